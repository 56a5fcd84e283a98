package realtime

import "context"

// Client is the application-facing realtime API: a Conn, its Router and the
// room signals. Room membership lives on the server; the client keeps no
// record of the rooms it joined.
type Client struct {
	conn   *Conn
	router *Router
}

func NewClient(opts Options) (*Client, error) {
	conn, err := NewConn(opts)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, router: conn.Router()}, nil
}

func (c *Client) Conn() *Conn { return c.conn }

func (c *Client) Router() *Router { return c.router }

func (c *Client) State() State { return c.conn.State() }

func (c *Client) Disconnect() { c.conn.Disconnect() }

func (c *Client) Connect(ctx context.Context) error {
	return c.conn.Connect(ctx)
}

func (c *Client) Send(event EventName, data any) bool {
	return c.conn.Send(event, data)
}

func (c *Client) On(event EventName, h *Handler) error {
	return c.router.On(event, h)
}

func (c *Client) Off(event EventName, h *Handler) {
	c.router.Off(event, h)
}

// JoinShop asks the server to add this connection to the shop's room.
func (c *Client) JoinShop(shopID string) bool {
	return c.conn.Send(EventShopJoin, ShopRoom{ShopID: shopID})
}

func (c *Client) LeaveShop(shopID string) bool {
	return c.conn.Send(EventShopLeave, ShopRoom{ShopID: shopID})
}

// JoinConversation asks the server to add this connection to a single
// conversation's room.
func (c *Client) JoinConversation(conversationID string) bool {
	return c.conn.Send(EventConversationJoin, ConversationRoom{ConversationID: conversationID})
}

func (c *Client) LeaveConversation(conversationID string) bool {
	return c.conn.Send(EventConversationLeave, ConversationRoom{ConversationID: conversationID})
}
