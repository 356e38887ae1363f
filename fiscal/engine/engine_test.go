package engine

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/cert"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/lifecycle"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/model"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/soap"
)

// stubTransport answers every call from a handler, recording the
// operations it saw.
type stubTransport struct {
	handler func(op soap.Operation, payload []byte) ([]byte, error)
	calls   []soap.Operation
}

func (s *stubTransport) Call(_ context.Context, op soap.Operation, payload []byte) (*soap.Result, error) {
	s.calls = append(s.calls, op)
	body, err := s.handler(op, payload)
	if err != nil {
		return &soap.Result{State: soap.StateFailed}, &fiscal.TransportError{Operation: op.String(), Err: err}
	}
	return &soap.Result{State: soap.StateCompleted, StatusCode: 200, Body: body}, nil
}

// countingSource hands out a fresh self-signed credential per load so the
// no-caching contract is observable.
type countingSource struct {
	cred  *cert.Credential
	loads int
}

func (s *countingSource) Load(context.Context) (*cert.Credential, error) {
	s.loads++
	return s.cred, nil
}

func testCredential(t *testing.T) *cert.Credential {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "SERVICOS DIGITAIS LTDA:11222333000181"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)

	return &cert.Credential{Certificate: parsed, PrivateKey: key}
}

func testEngine(t *testing.T, transport *stubTransport) (*Engine, *countingSource) {
	t.Helper()
	source := &countingSource{cred: testCredential(t)}
	eng, err := New(Config{
		Issuer: model.IssuerProfile{
			LegalName:             "Servicos Digitais Ltda",
			TaxID:                 "11222333000181",
			StateRegistration:     "123456789012",
			MunicipalRegistration: "31000000",
			TaxRegimeCode:         "3",
			StateCode:             "35",
			CityCode:              "3550308",
			TimeZone:              "America/Sao_Paulo",
			Address: model.Address{
				Street: "Av Paulista", Number: "1000", District: "Bela Vista",
				CityCode: "3550308", CityName: "Sao Paulo", State: "SP", ZipCode: "01310100",
			},
		},
		Environment: fiscal.Homologation,
		Credentials: source,
		Transport:   func(*cert.Credential) soap.Client { return transport },
	})
	require.NoError(t, err)
	return eng, source
}

func goodsRequest() model.GoodsRequest {
	return model.GoodsRequest{
		Recipient: model.RecipientProfile{
			Organization: true,
			TaxID:        "12345678000199",
			Name:         "Cliente Exemplo SA",
		},
		Items: []model.LineItem{{
			Sequence:       1,
			ProductCode:    "SKU-1",
			Description:    "Cabo de rede",
			Classification: "85444200",
			CFOP:           "5102",
			Unit:           "UN",
			Quantity:       decimal.NewFromInt(2),
			UnitPrice:      decimal.RequireFromString("50.00"),
		}},
		OperationNature: "VENDA",
	}
}

func serviceRequest() model.ServiceRequest {
	return model.ServiceRequest{
		Recipient: model.RecipientProfile{
			Organization: true,
			TaxID:        "12345678000199",
			Name:         "Cliente Exemplo SA",
		},
		Service: model.ServiceDescriptor{
			Code:        "1401",
			Description: "Manutencao de software",
			TaxRate:     decimal.RequireFromString("0.05"),
			GrossValue:  decimal.RequireFromString("100.00"),
		},
	}
}

func authorizedResponse() []byte {
	return []byte(`<retEnviNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe">
  <tpAmb>2</tpAmb><cStat>104</cStat><xMotivo>Lote processado</xMotivo>
  <protNFe versao="4.00"><infProt>
    <chNFe>35260811222333000181550010000000011000000017</chNFe>
    <cStat>100</cStat><xMotivo>Autorizado o uso da NF-e</xMotivo>
    <nProt>135260000000001</nProt>
  </infProt></protNFe>
</retEnviNFe>`)
}

func TestEmitGoods_Authorized(t *testing.T) {
	transport := &stubTransport{handler: func(op soap.Operation, _ []byte) ([]byte, error) {
		return authorizedResponse(), nil
	}}
	eng, source := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StateAuthorized, res.State)
	assert.Len(t, res.AccessKey, 44)
	assert.Equal(t, "135260000000001", res.Protocol)
	assert.Equal(t, "100", res.StatusCode)
	assert.Equal(t, []soap.Operation{soap.OpAuthorize}, transport.calls)
	assert.Equal(t, 1, source.loads)

	// a second emission loads the credential again, never a cached copy
	_, err = eng.EmitGoods(context.Background(), goodsRequest())
	require.NoError(t, err)
	assert.Equal(t, 2, source.loads)
}

func TestEmitGoods_RejectionIsVerbatimAndNumberIsReused(t *testing.T) {
	reject := true
	transport := &stubTransport{handler: func(soap.Operation, []byte) ([]byte, error) {
		if reject {
			return []byte(`<retEnviNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe">
  <cStat>104</cStat><xMotivo>Lote processado</xMotivo>
  <protNFe><infProt><cStat>539</cStat>
    <xMotivo>Rejeicao: Duplicidade de NF-e com diferenca na chave de acesso</xMotivo>
  </infProt></protNFe></retEnviNFe>`), nil
		}
		return authorizedResponse(), nil
	}}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	var rej *fiscal.RejectionError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "539", rej.Code)
	assert.Contains(t, rej.Message, "Duplicidade de NF-e")
	assert.Equal(t, lifecycle.StateRejected, res.State)

	reject = false
	res2, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.NoError(t, err)
	// the rejected attempt did not consume the number
	assert.Contains(t, res2.AccessKey, "000000001")
}

func TestEmitGoods_AsyncThenQuery(t *testing.T) {
	var key string
	transport := &stubTransport{}
	transport.handler = func(op soap.Operation, _ []byte) ([]byte, error) {
		switch op {
		case soap.OpAuthorize:
			return []byte(`<retEnviNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe">
  <cStat>103</cStat><xMotivo>Lote recebido com sucesso</xMotivo>
  <infRec><nRec>351000123456789</nRec><tMed>1</tMed></infRec>
</retEnviNFe>`), nil
		case soap.OpQueryReceipt:
			return []byte(fmt.Sprintf(`<retConsReciNFe versao="4.00" xmlns="http://www.portalfiscal.inf.br/nfe">
  <cStat>104</cStat><xMotivo>Lote processado</xMotivo><nRec>351000123456789</nRec>
  <protNFe><infProt><chNFe>%s</chNFe><cStat>100</cStat>
    <xMotivo>Autorizado o uso da NF-e</xMotivo><nProt>135260000000002</nProt>
  </infProt></protNFe></retConsReciNFe>`, key)), nil
		}
		return nil, fmt.Errorf("unexpected operation %s", op)
	}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.ErrorIs(t, err, fiscal.ErrStillProcessing)
	assert.Equal(t, lifecycle.StateTransmitting, res.State)
	assert.True(t, fiscal.IsRetryable(err))
	key = res.AccessKey

	res, err = eng.Query(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateAuthorized, res.State)
	assert.Equal(t, "135260000000002", res.Protocol)
	assert.Equal(t, []soap.Operation{soap.OpAuthorize, soap.OpQueryReceipt}, transport.calls)
}

func TestEmitGoods_TransportFailure(t *testing.T) {
	transport := &stubTransport{handler: func(soap.Operation, []byte) ([]byte, error) {
		return nil, context.DeadlineExceeded
	}}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.Error(t, err)
	assert.True(t, fiscal.IsRetryable(err))
	assert.Equal(t, lifecycle.StateError, res.State)

	recs, err := eng.History(context.Background(), res.DocumentID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.False(t, recs[0].Success)
}

func TestEmitService_Confirmed(t *testing.T) {
	transport := &stubTransport{handler: func(op soap.Operation, _ []byte) ([]byte, error) {
		return []byte(`<RetornoEnvioLoteRPS xmlns="http://www.prefeitura.sp.gov.br/nfe">
  <Cabecalho Versao="1"><Sucesso>true</Sucesso><NumeroLote>17</NumeroLote></Cabecalho>
  <ChaveNFeRPS>
    <ChaveNFe><InscricaoPrestador>31000000</InscricaoPrestador><NumeroNFe>9000123</NumeroNFe><CodigoVerificacao>ABCD1234</CodigoVerificacao></ChaveNFe>
    <ChaveRPS><InscricaoPrestador>31000000</InscricaoPrestador><SerieRPS>1</SerieRPS><NumeroRPS>1</NumeroRPS></ChaveRPS>
  </ChaveNFeRPS>
</RetornoEnvioLoteRPS>`), nil
	}}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitService(context.Background(), serviceRequest())
	require.NoError(t, err)

	assert.Equal(t, lifecycle.StateAuthorized, res.State)
	assert.Equal(t, "9000123", res.Protocol)
	assert.Equal(t, "ABCD1234", res.VerificationCode)
	// homologation submits through the test endpoint
	assert.Equal(t, []soap.Operation{soap.OpTestSendLot}, transport.calls)
}

func TestEmitService_QueryTargetsTheSubmittedReceipt(t *testing.T) {
	payloads := map[soap.Operation]string{}
	transport := &stubTransport{}
	transport.handler = func(op soap.Operation, payload []byte) ([]byte, error) {
		payloads[op] = string(payload)
		if op == soap.OpTestSendLot {
			// queued without an invoice number: asynchronous processing
			return []byte(`<RetornoEnvioLoteRPS xmlns="http://www.prefeitura.sp.gov.br/nfe">
  <Cabecalho Versao="1"><Sucesso>true</Sucesso><NumeroLote>18</NumeroLote></Cabecalho>
</RetornoEnvioLoteRPS>`), nil
		}
		return []byte(`<RetornoConsulta xmlns="http://www.prefeitura.sp.gov.br/nfe">
  <Cabecalho Versao="1"><Sucesso>true</Sucesso></Cabecalho>
  <NFe><ChaveNFe><NumeroNFe>9000123</NumeroNFe><CodigoVerificacao>ABCD1234</CodigoVerificacao></ChaveNFe><StatusNFe>N</StatusNFe></NFe>
</RetornoConsulta>`), nil
	}

	source := &countingSource{cred: testCredential(t)}
	eng, err := New(Config{
		Issuer: model.IssuerProfile{
			LegalName:             "Servicos Digitais Ltda",
			TaxID:                 "11222333000181",
			MunicipalRegistration: "3100000-0",
			TimeZone:              "America/Sao_Paulo",
		},
		Environment:   fiscal.Homologation,
		ServiceSeries: "A",
		Credentials:   source,
		Transport:     func(*cert.Credential) soap.Client { return transport },
	})
	require.NoError(t, err)

	res, err := eng.EmitService(context.Background(), serviceRequest())
	require.ErrorIs(t, err, fiscal.ErrStillProcessing)
	assert.Equal(t, lifecycle.StateTransmitting, res.State)

	res, err = eng.Query(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateAuthorized, res.State)
	assert.Equal(t, "ABCD1234", res.VerificationCode)

	// submission and query must name the exact same receipt
	key := "<InscricaoPrestador>31000000</InscricaoPrestador><SerieRPS>A</SerieRPS><NumeroRPS>1</NumeroRPS>"
	assert.Contains(t, payloads[soap.OpTestSendLot], key)
	assert.Contains(t, payloads[soap.OpQueryInvoice], key)
}

func TestCancelGoods_Workflow(t *testing.T) {
	transport := &stubTransport{}
	transport.handler = func(op soap.Operation, _ []byte) ([]byte, error) {
		if op == soap.OpAuthorize {
			return authorizedResponse(), nil
		}
		return []byte(`<retEnvEvento versao="1.00" xmlns="http://www.portalfiscal.inf.br/nfe">
  <cStat>128</cStat><xMotivo>Lote de evento processado</xMotivo>
  <retEvento versao="1.00"><infEvento>
    <tpEvento>110111</tpEvento><cStat>135</cStat>
    <xMotivo>Evento registrado e vinculado a NF-e</xMotivo>
    <nProt>135260000000099</nProt>
  </infEvento></retEvento></retEnvEvento>`), nil
	}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.NoError(t, err)

	res, err = eng.CancelGoods(context.Background(), res.DocumentID,
		"pedido cancelado pelo cliente antes da expedicao")
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCancelled, res.State)
	assert.Equal(t, "135", res.StatusCode)
	assert.Equal(t, []soap.Operation{soap.OpAuthorize, soap.OpEvent}, transport.calls)
}

func TestCancelGoods_ShortReasonNeverTransmits(t *testing.T) {
	transport := &stubTransport{}
	transport.handler = func(op soap.Operation, _ []byte) ([]byte, error) {
		return authorizedResponse(), nil
	}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.NoError(t, err)

	_, err = eng.CancelGoods(context.Background(), res.DocumentID, "curto")
	require.Error(t, err)
	assert.Equal(t, []soap.Operation{soap.OpAuthorize}, transport.calls)
}

func TestCancelService_Workflow(t *testing.T) {
	transport := &stubTransport{}
	transport.handler = func(op soap.Operation, _ []byte) ([]byte, error) {
		if op == soap.OpTestSendLot {
			return []byte(`<RetornoEnvioLoteRPS xmlns="http://www.prefeitura.sp.gov.br/nfe">
  <Cabecalho Versao="1"><Sucesso>true</Sucesso></Cabecalho>
  <ChaveNFeRPS><ChaveNFe><NumeroNFe>9000123</NumeroNFe><CodigoVerificacao>ABCD1234</CodigoVerificacao></ChaveNFe></ChaveNFeRPS>
</RetornoEnvioLoteRPS>`), nil
		}
		return []byte(`<RetornoCancelamentoNFe xmlns="http://www.prefeitura.sp.gov.br/nfe">
  <Cabecalho Versao="1"><Sucesso>true</Sucesso></Cabecalho>
</RetornoCancelamentoNFe>`), nil
	}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitService(context.Background(), serviceRequest())
	require.NoError(t, err)

	res, err = eng.CancelService(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateCancelled, res.State)
	assert.Equal(t, []soap.Operation{soap.OpTestSendLot, soap.OpCancelInvoice}, transport.calls)
}

func TestQuery_SettledDocumentSkipsNetwork(t *testing.T) {
	transport := &stubTransport{handler: func(soap.Operation, []byte) ([]byte, error) {
		return authorizedResponse(), nil
	}}
	eng, _ := testEngine(t, transport)

	res, err := eng.EmitGoods(context.Background(), goodsRequest())
	require.NoError(t, err)

	got, err := eng.Query(context.Background(), res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, lifecycle.StateAuthorized, got.State)
	assert.Len(t, transport.calls, 1)
}

func TestEmitGoods_ValidationFailureDoesNotTransmit(t *testing.T) {
	transport := &stubTransport{handler: func(soap.Operation, []byte) ([]byte, error) {
		t.Fatal("transport must not be reached for invalid input")
		return nil, nil
	}}
	eng, _ := testEngine(t, transport)

	req := goodsRequest()
	req.Items = nil
	res, err := eng.EmitGoods(context.Background(), req)
	var verr *fiscal.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, lifecycle.StateError, res.State)
	assert.Empty(t, transport.calls)
}
