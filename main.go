package main

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/engine"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/model"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

func main() {

	logrus.SetLevel(logrus.DebugLevel)

	bundlePath := util.GetEnvOrFailed("FISCAL_BUNDLE")
	passphrase := util.GetEnvOrFailed("FISCAL_BUNDLE_PASSPHRASE")

	bundle, err := os.ReadFile(bundlePath)
	if err != nil {
		panic(err)
	}

	var env fiscal.Environment
	if err := env.UnmarshalText([]byte(util.GetEnvOrDefault("FISCAL_ENV", "homologation"))); err != nil {
		panic(err)
	}

	eng, err := engine.New(engine.Config{
		Issuer: model.IssuerProfile{
			LegalName:             util.GetEnvOrFailed("FISCAL_ISSUER_NAME"),
			TaxID:                 util.GetEnvOrFailed("FISCAL_ISSUER_CNPJ"),
			StateRegistration:     util.GetEnvOrFailed("FISCAL_ISSUER_IE"),
			MunicipalRegistration: util.GetEnvOrFailed("FISCAL_ISSUER_CCM"),
			TaxRegimeCode:         "3",
			StateCode:             "35",
			CityCode:              "3550308",
			TimeZone:              "America/Sao_Paulo",
			Address: model.Address{
				Street:   util.GetEnvOrDefault("FISCAL_ISSUER_STREET", "Av Paulista"),
				Number:   util.GetEnvOrDefault("FISCAL_ISSUER_NUMBER", "1000"),
				District: "Bela Vista",
				CityCode: "3550308",
				CityName: "Sao Paulo",
				State:    "SP",
				ZipCode:  "01310100",
			},
		},
		Environment: env,
		Credentials: &engine.PKCS12Source{Bundle: bundle, Passphrase: passphrase},
	})
	if err != nil {
		panic(err)
	}

	ctx := context.Background()

	res, err := eng.EmitService(ctx, model.ServiceRequest{
		Recipient: model.RecipientProfile{
			Organization: true,
			TaxID:        "12345678000199",
			Name:         "Cliente Exemplo SA",
		},
		Service: model.ServiceDescriptor{
			Code:        "1401",
			Description: "Manutencao de software sob contrato",
			TaxRate:     decimal.RequireFromString("0.05"),
			GrossValue:  decimal.RequireFromString("100.00"),
		},
	})
	if err != nil {
		fmt.Println("service invoice not settled:", err)
	}
	if res != nil {
		fmt.Println("document:", res.DocumentID)
		fmt.Println("state:   ", res.State)
		fmt.Println("number:  ", res.Protocol)
		fmt.Println("code:    ", res.VerificationCode)
	}
}
