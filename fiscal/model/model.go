// Package model holds the caller-facing document input structures shared by
// the goods-invoice and service-invoice builders.
package model

import (
	"github.com/shopspring/decimal"
)

// IssuerProfile is supplied by configuration and immutable per emission.
type IssuerProfile struct {
	LegalName             string
	TaxID                 string // CNPJ, digits or formatted
	StateRegistration     string // IE
	MunicipalRegistration string // CCM, service invoices
	TaxRegimeCode         string // CRT: 1 simples, 2 simples excesso, 3 normal
	Address               Address

	// StateCode is the IBGE code of the issuer's state (35 = São Paulo).
	StateCode string

	// CityCode is the IBGE code of the municipality where the taxable
	// event happens.
	CityCode string

	// TimeZone is the issuer's civil zone, e.g. "America/Sao_Paulo".
	// Emission dates embedded in the access key are validated by the
	// authority against wall-clock date in this zone.
	TimeZone string
}

// RecipientProfile identifies the buyer / service taker.
type RecipientProfile struct {
	// Organization is true for CNPJ holders, false for CPF holders.
	Organization bool

	TaxID                 string
	Name                  string
	StateRegistration     string
	MunicipalRegistration string
	Email                 string
	Address               *Address
}

type Address struct {
	Street     string
	Number     string
	Complement string
	District   string
	CityCode   string
	CityName   string
	State      string
	ZipCode    string
}

// LineItem is one merchandise line of a goods invoice.
type LineItem struct {
	Sequence    int    // 1-based, dense
	ProductCode string
	Description string

	// Classification is the NCM code; normalized to digits and padded to
	// eight positions by the builder.
	Classification string

	CFOP      string
	Unit      string
	Quantity  decimal.Decimal
	UnitPrice decimal.Decimal

	// Total overrides Quantity × UnitPrice when non-zero.
	Total decimal.Decimal
}

// ServiceDescriptor describes the single service of a provisional service
// receipt (RPS).
type ServiceDescriptor struct {
	// Code is the municipal service classification, normalized to digits
	// and padded to five positions by the builder.
	Code string

	Description string
	TaxRate     decimal.Decimal // fraction, e.g. 0.05
	GrossValue  decimal.Decimal
	Deductions  decimal.Decimal
	TaxWithheld bool
}

// GoodsRequest is the engine input for a goods invoice.
type GoodsRequest struct {
	Recipient       RecipientProfile
	Items           []LineItem
	OperationNature string // natOp, e.g. "VENDA"
	Notes           string
}

// ServiceRequest is the engine input for a service invoice.
type ServiceRequest struct {
	Recipient RecipientProfile
	Service   ServiceDescriptor
}
