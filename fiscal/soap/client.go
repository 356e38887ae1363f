package soap

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/cert"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/util"
)

var logger = logrus.WithField("component", "fiscal.soap")

// defaultTimeout caps every call. The authorities hold the connection for
// synchronous processing; anything beyond this is treated as a transport
// failure and the number stays available for retry.
const defaultTimeout = 45 * time.Second

// CallState tracks how far a single submission progressed. Useful when a
// timeout fires: a call that died in Connecting never delivered the
// document, one that died in AwaitingResponse may have.
type CallState int

const (
	StateIdle CallState = iota
	StateConnecting
	StateSending
	StateAwaitingResponse
	StateCompleted
	StateFailed
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateSending:
		return "sending"
	case StateAwaitingResponse:
		return "awaitingResponse"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Result is the raw outcome of one call, before reconciliation.
type Result struct {
	mu sync.Mutex

	State      CallState
	StatusCode int
	Body       []byte
	Elapsed    time.Duration
}

// advance moves the state forward, never backwards. The httptrace hooks
// fire from transport goroutines.
func (r *Result) advance(s CallState) {
	r.mu.Lock()
	if s > r.State {
		r.State = s
	}
	r.mu.Unlock()
}

type Client interface {
	// Call wraps the payload in the operation's SOAP envelope and posts
	// it. The returned Result carries the raw body on success; on failure
	// it still reports how far the call got.
	Call(ctx context.Context, op Operation, payload []byte) (*Result, error)
}

type client struct {
	rest      *resty.Client
	env       fiscal.Environment
	overrides map[Operation]string
}

type Option func(*client)

// WithTimeout lowers the call ceiling; values above the default are
// clamped to it.
func WithTimeout(d time.Duration) Option {
	return func(c *client) {
		if d > defaultTimeout || d <= 0 {
			d = defaultTimeout
		}
		c.rest.SetTimeout(d)
	}
}

// WithEndpointOverride redirects one operation, for test servers and
// state-specific gateway URLs.
func WithEndpointOverride(op Operation, url string) Option {
	return func(c *client) { c.overrides[op] = url }
}

// New builds a client that authenticates with the credential's certificate.
// Verification of the server tries the system pool first; the bundle chain
// serves as fallback anchors only for the known government hosts.
func New(env fiscal.Environment, cred *cert.Credential, opts ...Option) Client {
	rest := resty.New().SetTimeout(defaultTimeout)

	if cred != nil {
		rest.SetTLSClientConfig(tlsConfig(cred))
	}

	c := &client{rest: rest, env: env, overrides: map[Operation]string{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func tlsConfig(cred *cert.Credential) *tls.Config {
	var fallback *x509.CertPool
	if len(cred.Chain) > 0 {
		fallback = x509.NewCertPool()
		for _, ch := range cred.Chain {
			fallback.AddCert(ch)
		}
	}

	conf := &tls.Config{
		Certificates: []tls.Certificate{cred.TLSCertificate()},
		MinVersion:   tls.VersionTLS12,
	}

	// Verification happens in VerifyConnection so the fallback pool can be
	// scoped to the allow-listed hosts. InsecureSkipVerify only disables
	// the default check that VerifyConnection replaces.
	conf.InsecureSkipVerify = true
	conf.VerifyConnection = func(cs tls.ConnectionState) error {
		opts := x509.VerifyOptions{
			DNSName:       cs.ServerName,
			Intermediates: x509.NewCertPool(),
		}
		for _, ic := range cs.PeerCertificates[1:] {
			opts.Intermediates.AddCert(ic)
		}

		_, err := cs.PeerCertificates[0].Verify(opts)
		if err == nil {
			return nil
		}
		if fallback == nil || !trustedHost(cs.ServerName) {
			return err
		}

		opts.Roots = fallback
		if _, ferr := cs.PeerCertificates[0].Verify(opts); ferr != nil {
			return err
		}
		logger.WithField("host", cs.ServerName).Debug("server verified against bundle chain")
		return nil
	}
	return conf
}

func (c *client) Call(ctx context.Context, op Operation, payload []byte) (*Result, error) {
	ep, err := EndpointFor(c.env, op)
	if err != nil {
		return nil, err
	}
	if url, ok := c.overrides[op]; ok {
		ep.URL = url
	}

	result := &Result{State: StateIdle}
	trace := &httptrace.ClientTrace{
		GetConn:              func(string) { result.advance(StateConnecting) },
		WroteHeaders:         func() { result.advance(StateSending) },
		WroteRequest:         func(httptrace.WroteRequestInfo) { result.advance(StateAwaitingResponse) },
		GotFirstResponseByte: func() { result.advance(StateAwaitingResponse) },
	}
	ctx = httptrace.WithClientTrace(ctx, trace)

	body, contentType := envelope(ep, op, payload)

	req := c.rest.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(body)
	if op.Municipal() {
		req.SetHeader("SOAPAction", `"`+ep.Action+`"`)
	}
	if util.DebugEnabled() || util.HttpTraceEnabled() {
		req.EnableTrace()
	}

	start := time.Now()
	resp, err := req.Post(ep.URL)
	result.Elapsed = time.Since(start)

	printTraceInfo(op, ep.URL, err, resp)

	if err != nil {
		result.advance(StateFailed)
		logger.WithFields(logrus.Fields{
			"operation": op.String(),
			"state":     result.State.String(),
		}).Warn("call failed")
		return result, &fiscal.TransportError{Operation: op.String(), Err: err}
	}

	result.StatusCode = resp.StatusCode()
	result.Body = resp.Body()

	if resp.IsError() {
		result.advance(StateFailed)
		return result, &RequestError{StatusCode: resp.StatusCode(), Body: resp.String()}
	}

	result.advance(StateCompleted)
	logger.WithFields(logrus.Fields{
		"operation": op.String(),
		"status":    resp.StatusCode(),
		"elapsed":   result.Elapsed,
	}).Debug("call completed")
	return result, nil
}

// envelope wraps the payload for the target service. The state authority
// speaks SOAP 1.2 with the document inline; the municipal one speaks
// SOAP 1.1 with the document as an escaped string.
func envelope(ep Endpoint, op Operation, payload []byte) ([]byte, string) {
	if op.Municipal() {
		body := fmt.Sprintf(
			`<soap:Envelope xmlns:soap="http://schemas.xmlsoap.org/soap/envelope/"><soap:Body>`+
				`<%s xmlns="http://www.prefeitura.sp.gov.br/nfe"><VersaoSchema>1</VersaoSchema>`+
				`<MensagemXML><![CDATA[%s]]></MensagemXML></%s>`+
				`</soap:Body></soap:Envelope>`,
			ep.RequestTag, payload, ep.RequestTag)
		return []byte(body), "text/xml; charset=utf-8"
	}

	body := fmt.Sprintf(
		`<soap12:Envelope xmlns:soap12="http://www.w3.org/2003/05/soap-envelope"><soap12:Body>`+
			`<nfeDadosMsg xmlns="%s">%s</nfeDadosMsg>`+
			`</soap12:Body></soap12:Envelope>`,
		ep.Action, payload)
	return []byte(body), "application/soap+xml; charset=utf-8"
}

func printTraceInfo(op Operation, url string, err error, resp *resty.Response) {
	if resp == nil || (!util.DebugEnabled() && !util.HttpTraceEnabled()) {
		return
	}

	if util.DebugEnabled() {
		fmt.Println("Response Info:")
		fmt.Println("  Operation  :", op.String())
		fmt.Println("  URL        :", url)
		fmt.Println("  Error      :", err)
		fmt.Println("  Status Code:", resp.StatusCode())
		fmt.Println("  Status     :", resp.Status())
		fmt.Println("  Time       :", resp.Time())
		fmt.Println("  Received At:", resp.ReceivedAt())
		fmt.Println()
	}

	if !util.HttpTraceEnabled() {
		return
	}

	fmt.Println("Request Trace Info:")
	ti := resp.Request.TraceInfo()
	fmt.Println("  DNSLookup     :", ti.DNSLookup)
	fmt.Println("  ConnTime      :", ti.ConnTime)
	fmt.Println("  TLSHandshake  :", ti.TLSHandshake)
	fmt.Println("  ServerTime    :", ti.ServerTime)
	fmt.Println("  ResponseTime  :", ti.ResponseTime)
	fmt.Println("  TotalTime     :", ti.TotalTime)
	fmt.Println("  IsConnReused  :", ti.IsConnReused)
	fmt.Println("  RequestAttempt:", ti.RequestAttempt)
}
