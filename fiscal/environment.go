package fiscal

import (
	"fmt"
	"strings"
)

// Environment selects the government endpoints used for transmission.
// Homologation is the staging environment of both authorities; documents
// issued there carry no fiscal value.
type Environment int

const (
	Homologation Environment = iota
	Production
)

// Code returns the tpAmb value expected by the state authority.
func (e Environment) Code() string {
	switch e {
	case Production:
		return "1"
	case Homologation:
		return "2"
	}
	panic("invalid environment")
}

func (e Environment) Name() string {
	switch e {
	case Production:
		return "production"
	case Homologation:
		return "homologation"
	}
	panic("invalid environment")
}

func (e *Environment) UnmarshalText(text []byte) error {
	val := strings.ToLower(strings.TrimSpace(string(text)))

	switch val {
	case "production", "prod":
		*e = Production
	case "homologation", "homolog", "staging":
		*e = Homologation
	default:
		return fmt.Errorf("invalid FISCAL_ENV: %q (allowed: production, homologation)", val)
	}
	return nil
}

// HomologationRecipientName is the display name the state authority mandates
// for every recipient of a homologation document. The builder overrides the
// caller-supplied name with this value whenever Environment is Homologation.
const HomologationRecipientName = "NF-E EMITIDA EM AMBIENTE DE HOMOLOGACAO - SEM VALOR FISCAL"
