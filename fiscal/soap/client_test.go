package soap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
)

func TestEndpointFor_Table(t *testing.T) {
	tests := []struct {
		env  fiscal.Environment
		op   Operation
		want string
	}{
		{fiscal.Production, OpAuthorize, "https://nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx"},
		{fiscal.Homologation, OpAuthorize, "https://homologacao.nfe.fazenda.sp.gov.br/ws/nfeautorizacao4.asmx"},
		{fiscal.Production, OpQueryReceipt, "https://nfe.fazenda.sp.gov.br/ws/nferetautorizacao4.asmx"},
		{fiscal.Production, OpQueryProtocol, "https://nfe.fazenda.sp.gov.br/ws/nfeconsultaprotocolo4.asmx"},
		{fiscal.Production, OpEvent, "https://nfe.fazenda.sp.gov.br/ws/nferecepcaoevento4.asmx"},
		{fiscal.Production, OpSendLot, "https://nfe.prefeitura.sp.gov.br/ws/lotenfe.asmx"},
		{fiscal.Homologation, OpCancelInvoice, "https://nfeh.prefeitura.sp.gov.br/ws/lotenfe.asmx"},
	}
	for _, tt := range tests {
		ep, err := EndpointFor(tt.env, tt.op)
		if err != nil {
			t.Fatalf("EndpointFor(%v, %v): %v", tt.env, tt.op, err)
		}
		if ep.URL != tt.want {
			t.Fatalf("EndpointFor(%v, %v) = %s, want %s", tt.env, tt.op, ep.URL, tt.want)
		}
	}
}

func TestOperation_Municipal(t *testing.T) {
	assert.False(t, OpAuthorize.Municipal())
	assert.False(t, OpEvent.Municipal())
	assert.True(t, OpSendLot.Municipal())
	assert.True(t, OpCancelInvoice.Municipal())
}

func TestTrustedHost_AllowListOnly(t *testing.T) {
	assert.True(t, trustedHost("nfe.fazenda.sp.gov.br"))
	assert.True(t, trustedHost("nfeh.prefeitura.sp.gov.br"))
	assert.False(t, trustedHost("example.com"))
	assert.False(t, trustedHost("evil.nfe.fazenda.sp.gov.br"))
}

func TestCall_StateEnvelope(t *testing.T) {
	var got string
	var contentType string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		contentType = r.Header.Get("Content-Type")
		w.Write([]byte(`<retEnviNFe/>`))
	}))
	defer srv.Close()

	c := New(fiscal.Homologation, nil, WithEndpointOverride(OpAuthorize, srv.URL))
	res, err := c.Call(context.Background(), OpAuthorize, []byte(`<enviNFe versao="4.00"/>`))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, `<retEnviNFe/>`, string(res.Body))
	assert.Contains(t, contentType, "application/soap+xml")
	assert.Contains(t, got, `<nfeDadosMsg xmlns="http://www.portalfiscal.inf.br/nfe/wsdl/NFeAutorizacao4">`)
	assert.Contains(t, got, `<enviNFe versao="4.00"/>`)
}

func TestCall_MunicipalEnvelope(t *testing.T) {
	var got string
	var action string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got = string(b)
		action = r.Header.Get("SOAPAction")
		w.Write([]byte(`<RetornoEnvioLoteRPS/>`))
	}))
	defer srv.Close()

	c := New(fiscal.Homologation, nil, WithEndpointOverride(OpSendLot, srv.URL))
	res, err := c.Call(context.Background(), OpSendLot, []byte(`<PedidoEnvioLoteRPS/>`))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, `"http://www.prefeitura.sp.gov.br/nfe/ws/envioLoteRPS"`, action)
	assert.Contains(t, got, "<EnvioLoteRPSRequest")
	assert.Contains(t, got, "<![CDATA[<PedidoEnvioLoteRPS/>]]>")
}

func TestCall_DebugDumpDoesNotDisturbResult(t *testing.T) {
	t.Setenv("FISCAL_DEBUG", "true")
	t.Setenv("FISCAL_HTTP_TRACE", "true")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<retEnviNFe/>`))
	}))
	defer srv.Close()

	c := New(fiscal.Homologation, nil, WithEndpointOverride(OpAuthorize, srv.URL))
	res, err := c.Call(context.Background(), OpAuthorize, []byte(`<enviNFe versao="4.00"/>`))
	require.NoError(t, err)

	assert.Equal(t, StateCompleted, res.State)
	assert.Equal(t, `<retEnviNFe/>`, string(res.Body))
}

func TestCall_TimeoutIsRetryableTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer srv.Close()

	c := New(fiscal.Homologation, nil,
		WithEndpointOverride(OpAuthorize, srv.URL),
		WithTimeout(50*time.Millisecond))

	res, err := c.Call(context.Background(), OpAuthorize, []byte(`<enviNFe/>`))
	require.Error(t, err)

	var te *fiscal.TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, "authorize", te.Operation)
	assert.True(t, fiscal.IsRetryable(err))
	assert.Equal(t, StateFailed, res.State)
}

func TestCall_HTTPErrorSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("gateway fault"))
	}))
	defer srv.Close()

	c := New(fiscal.Homologation, nil, WithEndpointOverride(OpAuthorize, srv.URL))
	res, err := c.Call(context.Background(), OpAuthorize, nil)
	require.Error(t, err)

	var re *RequestError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)
	assert.True(t, strings.Contains(re.Body, "gateway fault"))
	assert.Equal(t, StateFailed, res.State)
	assert.False(t, fiscal.IsRetryable(err))
}

func TestCall_ContextCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := New(fiscal.Homologation, nil, WithEndpointOverride(OpAuthorize, srv.URL))
	_, err := c.Call(ctx, OpAuthorize, nil)
	require.Error(t, err)
	assert.True(t, fiscal.IsRetryable(err))
}
