package models

// Wire message shapes for the level2_50 protocol. Every message is a
// single JSON object; prices and sizes travel as numeric strings.

const (
	MessageTypeSubscribe     = "subscribe"
	MessageTypeSubscriptions = "subscriptions"
	MessageTypeSnapshot      = "snapshot"
	MessageTypeL2Update      = "l2update"
)

// ChannelLevel2 is the order book channel limited to the top 50 price
// levels per side.
const ChannelLevel2 = "level2_50"

// SubscribeChannel is one entry of a subscribe request's channel list.
type SubscribeChannel struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// SubscribeRequest is the client -> server subscription message.
type SubscribeRequest struct {
	Type     string             `json:"type"`
	Channels []SubscribeChannel `json:"channels"`
}

// NewSubscribeRequest builds the level2_50 subscription for a single
// product.
func NewSubscribeRequest(productID string) SubscribeRequest {
	return SubscribeRequest{
		Type: MessageTypeSubscribe,
		Channels: []SubscribeChannel{
			{Name: ChannelLevel2, ProductIDs: []string{productID}},
		},
	}
}

// AckChannel is one entry of a subscription ack's channel list. The
// account_ids field is present but null on the wire.
type AckChannel struct {
	Name       string    `json:"name"`
	ProductIDs []string  `json:"product_ids"`
	AccountIDs *[]string `json:"account_ids"`
}

// SubscriptionAck is the server -> client acknowledgement of a
// subscribe request.
type SubscriptionAck struct {
	Type     string       `json:"type"`
	Channels []AckChannel `json:"channels"`
}

// SnapshotMessage carries the full book replacement sent once per
// connection, immediately after the subscription ack. Each level is a
// [price, size] pair of numeric strings.
type SnapshotMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
}

// L2UpdateMessage carries an incremental change list applied on top of
// the current book state. Each change is a [side, price, size] triple.
type L2UpdateMessage struct {
	Type      string     `json:"type"`
	ProductID string     `json:"product_id"`
	Changes   [][]string `json:"changes"`
}
