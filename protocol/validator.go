// Package protocol validates and parses level2_50 wire messages. All
// functions are pure: they either return a fully parsed message or an
// error, never a partial result.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"bookflow/models"
)

func unmarshal(raw []byte, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return invalidf(typeErr.Field, "expected %s", typeErr.Type)
		}
		return invalidf("message", "malformed JSON: %v", err)
	}
	return nil
}

func checkType(field, got, want string) error {
	if got == "" {
		return invalidf(field, "missing message type")
	}
	if got != want {
		return invalidf(field, "unexpected message type %q, want %q", got, want)
	}
	return nil
}

// parsePrice decodes a wire price: a non-empty numeric string with a
// strictly positive value.
func parsePrice(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, invalidf(field, "empty price string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, invalidf(field, "price %q is not numeric", s)
	}
	if d.Sign() <= 0 {
		return decimal.Zero, invalidf(field, "price %q must be positive", s)
	}
	return d, nil
}

// parseSize decodes a wire size: a non-empty numeric string with a
// non-negative value. Zero means the level is removed.
func parseSize(field, s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, invalidf(field, "empty size string")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, invalidf(field, "size %q is not numeric", s)
	}
	if d.Sign() < 0 {
		return decimal.Zero, invalidf(field, "size %q must not be negative", s)
	}
	return d, nil
}

// ParseSubscriptionAck validates a subscriptions message against the
// channel and product that were requested.
func ParseSubscriptionAck(raw []byte, productID string) (*models.SubscriptionAck, error) {
	var ack models.SubscriptionAck
	if err := unmarshal(raw, &ack); err != nil {
		return nil, err
	}
	if err := checkType("type", ack.Type, models.MessageTypeSubscriptions); err != nil {
		return nil, err
	}
	if len(ack.Channels) == 0 {
		return nil, invalidf("channels", "missing or empty channel list")
	}
	for i, ch := range ack.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if ch.Name == "" {
			return nil, invalidf(field+".name", "missing channel name")
		}
		if ch.Name != models.ChannelLevel2 {
			return nil, &SubscriptionMismatchError{Field: field + ".name", Want: models.ChannelLevel2, Got: ch.Name}
		}
		if err := checkProductIDs(field+".product_ids", ch.ProductIDs, productID); err != nil {
			return nil, err
		}
	}
	return &ack, nil
}

// ParseSnapshot validates a full book snapshot for the given product.
func ParseSnapshot(raw []byte, productID string) (*models.BookSnapshot, error) {
	var msg models.SnapshotMessage
	if err := unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if err := checkType("type", msg.Type, models.MessageTypeSnapshot); err != nil {
		return nil, err
	}
	if err := checkProductID("product_id", msg.ProductID, productID); err != nil {
		return nil, err
	}
	bids, err := parseLevels("bids", msg.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseLevels("asks", msg.Asks)
	if err != nil {
		return nil, err
	}
	return &models.BookSnapshot{ProductID: msg.ProductID, Bids: bids, Asks: asks}, nil
}

// ParseDelta validates an l2update change batch for the given product.
// Change order is preserved exactly as received.
func ParseDelta(raw []byte, productID string) (*models.BookDelta, error) {
	var msg models.L2UpdateMessage
	if err := unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if err := checkType("type", msg.Type, models.MessageTypeL2Update); err != nil {
		return nil, err
	}
	if err := checkProductID("product_id", msg.ProductID, productID); err != nil {
		return nil, err
	}
	if len(msg.Changes) == 0 {
		return nil, invalidf("changes", "missing or empty change list")
	}
	changes := make([]models.Change, 0, len(msg.Changes))
	for i, raw := range msg.Changes {
		field := fmt.Sprintf("changes[%d]", i)
		if len(raw) != 3 {
			return nil, invalidf(field, "change must have exactly 3 elements (side, price, size), got %d", len(raw))
		}
		side := models.Side(raw[0])
		if !side.Valid() {
			return nil, invalidf(field+".side", "side must be %q or %q, got %q", models.SideBuy, models.SideSell, raw[0])
		}
		price, err := parsePrice(field+".price", raw[1])
		if err != nil {
			return nil, err
		}
		size, err := parseSize(field+".size", raw[2])
		if err != nil {
			return nil, err
		}
		changes = append(changes, models.Change{Side: side, Price: price, Size: size})
	}
	return &models.BookDelta{ProductID: msg.ProductID, Changes: changes}, nil
}

// ValidateSubscribeRequest is the server-side mirror of the ack check:
// the synthetic feed uses it to refuse subscriptions for a product it
// does not serve.
func ValidateSubscribeRequest(raw []byte, productID string) (*models.SubscribeRequest, error) {
	var req models.SubscribeRequest
	if err := unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if err := checkType("type", req.Type, models.MessageTypeSubscribe); err != nil {
		return nil, err
	}
	if len(req.Channels) == 0 {
		return nil, invalidf("channels", "missing or empty channel list")
	}
	for i, ch := range req.Channels {
		field := fmt.Sprintf("channels[%d]", i)
		if ch.Name == "" {
			return nil, invalidf(field+".name", "missing channel name")
		}
		if ch.Name != models.ChannelLevel2 {
			return nil, &SubscriptionMismatchError{Field: field + ".name", Want: models.ChannelLevel2, Got: ch.Name}
		}
		if err := checkProductIDs(field+".product_ids", ch.ProductIDs, productID); err != nil {
			return nil, err
		}
	}
	return &req, nil
}

func checkProductID(field, got, want string) error {
	if got == "" {
		return invalidf(field, "missing product id")
	}
	if got != want {
		return &SubscriptionMismatchError{Field: field, Want: want, Got: got}
	}
	return nil
}

// checkProductIDs enforces the single-product contract: exactly one
// entry and it must be the expected product.
func checkProductIDs(field string, ids []string, want string) error {
	if len(ids) == 0 {
		return invalidf(field, "missing or empty product id list")
	}
	if len(ids) > 1 {
		return invalidf(field, "only one product per subscription, got %d", len(ids))
	}
	if ids[0] != want {
		return &SubscriptionMismatchError{Field: field, Want: want, Got: ids[0]}
	}
	return nil
}

func parseLevels(field string, levels [][]string) ([]models.PriceLevel, error) {
	if len(levels) == 0 {
		return nil, invalidf(field, "missing or empty level list")
	}
	out := make([]models.PriceLevel, 0, len(levels))
	for i, raw := range levels {
		entry := fmt.Sprintf("%s[%d]", field, i)
		if len(raw) != 2 {
			return nil, invalidf(entry, "level must have exactly 2 elements (price, size), got %d", len(raw))
		}
		price, err := parsePrice(entry+".price", raw[0])
		if err != nil {
			return nil, err
		}
		size, err := parseSize(entry+".size", raw[1])
		if err != nil {
			return nil, err
		}
		out = append(out, models.PriceLevel{Price: price, Size: size})
	}
	return out, nil
}
