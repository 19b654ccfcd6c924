package gateway

import "context"

// CardInfo is what the gateway knows about a bank card.
type CardInfo struct {
	Token   string `json:"token"`
	Pan     string `json:"pan"` // masked
	Expiry  string `json:"expire"`
	Phone   string `json:"phone"`
	Holder  string `json:"holder"`
	Balance int64  `json:"balance"`
	Status  int    `json:"status"`
}

// Payment is the result of a debit.
type Payment struct {
	RefNum string `json:"ref_num"`
	ExtID  string `json:"ext_id"`
	Amount int64  `json:"amount"`
	State  int    `json:"state"`
}

// PayRequest describes a debit of a linked card.  ExtID must be unique per
// logical operation; the gateway uses it to deduplicate retries.
type PayRequest struct {
	ExtID       string `json:"ext_id"`
	CardToken   string `json:"card_token"`
	Amount      int64  `json:"amount"`
	Destination string `json:"merchant_id,omitempty"`
}

// CardInfo looks up a card by number and expiry (MMYY).
func (c *Client) CardInfo(ctx context.Context, number, expiry string) (*CardInfo, error) {
	params := map[string]any{"card": map[string]string{"number": number, "expire": expiry}}
	var out CardInfo
	if err := c.call(ctx, "cards.info", params, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balance returns the available balance of a linked card.
func (c *Client) Balance(ctx context.Context, cardToken string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.call(ctx, "cards.balance", map[string]string{"token": cardToken}, &out); err != nil {
		return 0, err
	}
	return out.Balance, nil
}

// Pay debits a card.  Once it returns a reference the money has moved and
// only Reverse can undo it.
func (c *Client) Pay(ctx context.Context, p PayRequest) (*Payment, error) {
	var out Payment
	if err := c.call(ctx, "trans.pay", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reverse cancels a completed payment identified by its reference.
func (c *Client) Reverse(ctx context.Context, refNum string) error {
	return c.call(ctx, "trans.reverse", map[string]string{"ref_num": refNum}, nil)
}
