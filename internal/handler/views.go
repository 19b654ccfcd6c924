package handler

import (
	"time"

	"github.com/iliyamo/paylink/internal/model"
)

// cardView is the public shape of a card.  Hashes and gateway tokens never
// leave the server.
type cardView struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Masked    string    `json:"masked"`
	Expiry    string    `json:"expiry,omitempty"`
	Holder    string    `json:"holder,omitempty"`
	Label     string    `json:"label,omitempty"`
	Balance   *int64    `json:"balance,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func cardJSON(c *model.Card) cardView {
	return cardView{
		ID:        c.ID,
		Kind:      string(c.Kind),
		Masked:    c.Masked,
		Expiry:    c.Expiry,
		Holder:    c.Holder,
		Label:     c.Label,
		CreatedAt: c.CreatedAt,
	}
}

func viewsJSON(in []model.CardView) []cardView {
	out := make([]cardView, 0, len(in))
	for i := range in {
		v := cardJSON(&in[i].Card)
		v.Balance = in[i].Balance
		out = append(out, v)
	}
	return out
}

type merchantView struct {
	ID            int64     `json:"id"`
	Email         string    `json:"email"`
	Name          string    `json:"name"`
	EmailVerified bool      `json:"email_verified"`
	CreatedAt     time.Time `json:"created_at"`
}

func merchantJSON(m *model.Merchant) merchantView {
	return merchantView{ID: m.ID, Email: m.Email, Name: m.Name, EmailVerified: m.EmailVerified, CreatedAt: m.CreatedAt}
}
