package model

import "time"

// Customer represents a row of the `customers` table: a person who links
// cards and pays with them.  Customers sign in with their phone number.
//
// Fields:
//
//	ID           – primary key identifier of the customer.
//	Phone        – unique phone number in E.164 form, used as the login.
//	Name         – display name.
//	PasswordHash – bcrypt hashed password.
//	CreatedAt    – timestamp of registration.
type Customer struct {
	ID           int64     // customers.id
	Phone        string    // customers.phone
	Name         string    // customers.name
	PasswordHash string    // customers.password_hash
	CreatedAt    time.Time // customers.created_at
}

// Merchant represents a row of the `merchants` table.  A merchant signs in
// with an e‑mail address that must be verified by code before payments to
// the merchant are accepted.  GatewayAccount is the merchant's account
// token at the payment gateway; payments are credited there.
//
// Fields:
//
//	ID             – primary key identifier.
//	Email          – unique e‑mail address, lower‑cased.
//	Name           – legal or trading name.
//	PasswordHash   – bcrypt hashed password.
//	EmailVerified  – set once the e‑mail code was confirmed.
//	GatewayAccount – destination account token at the gateway.
//	CreatedAt      – timestamp of registration.
type Merchant struct {
	ID             int64     // merchants.id
	Email          string    // merchants.email
	Name           string    // merchants.name
	PasswordHash   string    // merchants.password_hash
	EmailVerified  bool      // merchants.email_verified
	GatewayAccount string    // merchants.gateway_account
	CreatedAt      time.Time // merchants.created_at
}
