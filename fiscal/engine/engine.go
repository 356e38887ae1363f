// Package engine is the caller-facing facade: it chains builder, signer,
// envelope, transport and reconciliation for one emission and settles the
// document through the lifecycle coordinator.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fiscaldocs/go-fiscal-client/fiscal"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/cert"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/lifecycle"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/model"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/nfe"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/nfse"
	"github.com/fiscaldocs/go-fiscal-client/fiscal/soap"
)

var logger = logrus.WithField("component", "fiscal.engine")

// CredentialSource hands out the decoded bundle for one operation. The
// engine never caches the result; key material lives only for the
// duration of a single signing+transport sequence.
type CredentialSource interface {
	Load(ctx context.Context) (*cert.Credential, error)
}

// PKCS12Source decodes the encrypted bundle on every Load.
type PKCS12Source struct {
	Bundle     []byte
	Passphrase string
}

func (s *PKCS12Source) Load(context.Context) (*cert.Credential, error) {
	return cert.FromPKCS12(s.Bundle, s.Passphrase)
}

// TransportFactory builds the SOAP client for one operation with the
// freshly loaded credential.
type TransportFactory func(cred *cert.Credential) soap.Client

type Config struct {
	Issuer      model.IssuerProfile
	Environment fiscal.Environment
	Credentials CredentialSource

	// GoodsSeries and ServiceSeries select the numbering series each
	// document family draws from.
	GoodsSeries   int
	ServiceSeries string

	// Stores default to in-memory implementations when nil.
	Sequences     lifecycle.SequenceStore
	Documents     lifecycle.DocumentStore
	Transmissions lifecycle.TransmissionStore

	// Transport defaults to the production SOAP client.
	Transport TransportFactory
}

// Result is the caller-visible settlement of one operation. Code and
// Message are the authority's literal words.
type Result struct {
	DocumentID       uuid.UUID
	State            lifecycle.State
	AccessKey        string
	VerificationCode string
	Protocol         string
	StatusCode       string
	StatusMessage    string
}

type Engine struct {
	cfg      Config
	goods    *nfe.Builder
	services *nfse.Builder
	coord    *lifecycle.Coordinator
}

func New(cfg Config) (*Engine, error) {
	if cfg.Credentials == nil {
		return nil, fmt.Errorf("engine: credential source is required")
	}
	if cfg.GoodsSeries == 0 {
		cfg.GoodsSeries = 1
	}
	if cfg.ServiceSeries == "" {
		cfg.ServiceSeries = "1"
	}
	if cfg.Sequences == nil {
		cfg.Sequences = lifecycle.NewMemorySequenceStore()
	}
	if cfg.Documents == nil {
		cfg.Documents = lifecycle.NewMemoryDocumentStore()
	}
	if cfg.Transmissions == nil {
		cfg.Transmissions = lifecycle.NewMemoryTransmissionStore()
	}
	if cfg.Transport == nil {
		env := cfg.Environment
		cfg.Transport = func(cred *cert.Credential) soap.Client {
			return soap.New(env, cred)
		}
	}

	services := nfse.NewBuilder(cfg.Issuer, cfg.Environment)
	services.Series = cfg.ServiceSeries

	return &Engine{
		cfg:      cfg,
		goods:    nfe.NewBuilder(cfg.Issuer, cfg.Environment),
		services: services,
		coord:    lifecycle.NewCoordinator(cfg.Sequences, cfg.Documents, cfg.Transmissions),
	}, nil
}

// EmitGoods builds, signs and submits one goods invoice. Synchronous: it
// returns after the authority answered or the call failed. A non-terminal
// outcome is reported with fiscal.ErrStillProcessing; the document can
// then be settled with Query.
func (e *Engine) EmitGoods(ctx context.Context, req model.GoodsRequest) (*Result, error) {
	doc, err := e.coord.Submit(ctx, lifecycle.KindGoods, strconv.Itoa(e.cfg.GoodsSeries),
		func(ctx context.Context, number int64) (*lifecycle.Attempt, error) {
			cred, err := e.cfg.Credentials.Load(ctx)
			if err != nil {
				return nil, err
			}

			built, key, err := e.goods.Build(req, e.cfg.GoodsSeries, number)
			if err != nil {
				return nil, err
			}
			signed, err := nfe.Sign(built, cred)
			if err != nil {
				return nil, err
			}
			lot, err := nfe.BuildLot(signed, nfe.LotID(time.Now()))
			if err != nil {
				return nil, err
			}

			att := &lifecycle.Attempt{Operation: "authorize", Request: lot, AccessKey: string(key)}
			res, err := e.cfg.Transport(cred).Call(ctx, soap.OpAuthorize, lot)
			fill(att, res)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}

			ret, err := nfe.ParseAuthorization(res.Body)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}
			out := nfe.ReconcileAuthorization(ret)
			applyGoods(att, out)
			return att, outcomeErr(out.Status == nfe.StatusRejected, out.Status == nfe.StatusProcessing, out.Code, out.Message)
		})
	return settle(doc, err)
}

// EmitService builds, signs and submits one service invoice receipt.
func (e *Engine) EmitService(ctx context.Context, req model.ServiceRequest) (*Result, error) {
	op := soap.OpSendLot
	if e.cfg.Environment == fiscal.Homologation {
		op = soap.OpTestSendLot
	}

	doc, err := e.coord.Submit(ctx, lifecycle.KindService, e.cfg.ServiceSeries,
		func(ctx context.Context, number int64) (*lifecycle.Attempt, error) {
			cred, err := e.cfg.Credentials.Load(ctx)
			if err != nil {
				return nil, err
			}
			key, err := cred.RSAKey()
			if err != nil {
				return nil, err
			}

			rps, err := e.services.Build(req, number, key)
			if err != nil {
				return nil, err
			}
			lot, err := nfse.BuildLot(e.cfg.Issuer.TaxID, []*nfse.RPS{rps})
			if err != nil {
				return nil, err
			}

			att := &lifecycle.Attempt{Operation: "sendLot", Request: lot}
			res, err := e.cfg.Transport(cred).Call(ctx, op, lot)
			fill(att, res)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}

			ret, err := nfse.ParseLotReturn(res.Body)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}
			out := nfse.ReconcileLotReturn(ret)
			applyService(att, out)
			return att, outcomeErr(out.Status == nfse.StatusRejected, out.Status == nfse.StatusProcessing, out.Code, out.Message)
		})
	return settle(doc, err)
}

// CancelGoods files the cancellation event for an authorized goods
// invoice. The reason text is forwarded to the authority verbatim.
func (e *Engine) CancelGoods(ctx context.Context, docID uuid.UUID, reason string) (*Result, error) {
	doc, err := e.coord.Cancel(ctx, docID,
		func(ctx context.Context, d *lifecycle.Document) (*lifecycle.Attempt, error) {
			cred, err := e.cfg.Credentials.Load(ctx)
			if err != nil {
				return nil, err
			}

			payload, err := nfe.BuildCancelEvent(e.cfg.Environment, e.cfg.Issuer.TaxID,
				nfe.AccessKey(d.AccessKey), d.Protocol, reason, time.Now(), cred)
			if err != nil {
				return nil, err
			}

			att := &lifecycle.Attempt{Operation: "cancelEvent", Request: payload}
			res, err := e.cfg.Transport(cred).Call(ctx, soap.OpEvent, payload)
			fill(att, res)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}

			ret, err := nfe.ParseEvent(res.Body)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}
			out := nfe.ReconcileEvent(ret, nfe.AccessKey(d.AccessKey))
			att.StatusCode = out.Code
			att.Message = out.Message
			att.Protocol = out.Protocol
			switch out.Status {
			case nfe.StatusCancelled:
				att.Resolution = lifecycle.ResolutionAuthorized
			case nfe.StatusRejected:
				att.Resolution = lifecycle.ResolutionRejected
			default:
				att.Resolution = lifecycle.ResolutionError
			}
			return att, outcomeErr(out.Status == nfe.StatusRejected, false, out.Code, out.Message)
		})
	return settle(doc, err)
}

// CancelService cancels a confirmed service invoice by its
// authority-issued number.
func (e *Engine) CancelService(ctx context.Context, docID uuid.UUID) (*Result, error) {
	doc, err := e.coord.Cancel(ctx, docID,
		func(ctx context.Context, d *lifecycle.Document) (*lifecycle.Attempt, error) {
			invoiceNumber, err := strconv.ParseInt(d.Protocol, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("document %s has no confirmed invoice number: %w", d.ID, err)
			}

			cred, err := e.cfg.Credentials.Load(ctx)
			if err != nil {
				return nil, err
			}
			key, err := cred.RSAKey()
			if err != nil {
				return nil, err
			}

			payload, err := nfse.BuildCancel(e.cfg.Issuer.TaxID,
				e.cfg.Issuer.MunicipalRegistration, invoiceNumber, key)
			if err != nil {
				return nil, err
			}

			att := &lifecycle.Attempt{Operation: "cancelInvoice", Request: payload}
			res, err := e.cfg.Transport(cred).Call(ctx, soap.OpCancelInvoice, payload)
			fill(att, res)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}

			ret, err := nfse.ParseCancelReturn(res.Body)
			if err != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, err
			}
			out := nfse.ReconcileCancelReturn(ret)
			att.StatusCode = out.Code
			att.Message = out.Message
			switch out.Status {
			case nfse.StatusCancelled:
				att.Resolution = lifecycle.ResolutionAuthorized
			case nfse.StatusRejected:
				att.Resolution = lifecycle.ResolutionRejected
			default:
				att.Resolution = lifecycle.ResolutionError
			}
			return att, outcomeErr(out.Status == nfse.StatusRejected, false, out.Code, out.Message)
		})
	return settle(doc, err)
}

// Query settles a document the authority accepted for asynchronous
// processing. Documents already in a settled state are returned as-is,
// without a network call.
func (e *Engine) Query(ctx context.Context, docID uuid.UUID) (*Result, error) {
	doc, err := e.coord.Get(ctx, docID)
	if err != nil {
		return nil, err
	}
	if doc.State != lifecycle.StateTransmitting && doc.State != lifecycle.StateError {
		return resultOf(doc), nil
	}

	if doc.Kind == lifecycle.KindGoods {
		doc, err = e.coord.Reconcile(ctx, docID, e.queryGoods(doc))
	} else {
		doc, err = e.coord.Reconcile(ctx, docID, e.queryService(doc))
	}
	return settle(doc, err)
}

func (e *Engine) queryGoods(d *lifecycle.Document) lifecycle.SubmitFunc {
	return func(ctx context.Context, number int64) (*lifecycle.Attempt, error) {
		cred, err := e.cfg.Credentials.Load(ctx)
		if err != nil {
			return nil, err
		}

		var payload []byte
		var op soap.Operation
		var opName string
		if d.Receipt != "" {
			op, opName = soap.OpQueryReceipt, "queryReceipt"
			payload, err = nfe.BuildReceiptQuery(e.cfg.Environment, d.Receipt)
		} else {
			op, opName = soap.OpQueryProtocol, "queryProtocol"
			payload, err = nfe.BuildProtocolQuery(e.cfg.Environment, nfe.AccessKey(d.AccessKey))
		}
		if err != nil {
			return nil, err
		}

		att := &lifecycle.Attempt{Operation: opName, Request: payload}
		res, err := e.cfg.Transport(cred).Call(ctx, op, payload)
		fill(att, res)
		if err != nil {
			att.Resolution = lifecycle.ResolutionError
			return att, err
		}

		var out *nfe.Outcome
		if d.Receipt != "" {
			ret, perr := nfe.ParseReceiptQuery(res.Body)
			if perr != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, perr
			}
			out = nfe.ReconcileReceiptQuery(ret, nfe.AccessKey(d.AccessKey))
		} else {
			ret, perr := nfe.ParseProtocolQuery(res.Body)
			if perr != nil {
				att.Resolution = lifecycle.ResolutionError
				return att, perr
			}
			out = nfe.ReconcileProtocolQuery(ret)
		}
		applyGoods(att, out)
		return att, outcomeErr(out.Status == nfe.StatusRejected, out.Status == nfe.StatusProcessing, out.Code, out.Message)
	}
}

func (e *Engine) queryService(d *lifecycle.Document) lifecycle.SubmitFunc {
	return func(ctx context.Context, number int64) (*lifecycle.Attempt, error) {
		cred, err := e.cfg.Credentials.Load(ctx)
		if err != nil {
			return nil, err
		}

		payload, err := nfse.BuildQuery(e.cfg.Issuer.TaxID,
			nfse.ReceiptKey(e.cfg.Issuer.MunicipalRegistration, e.cfg.ServiceSeries, number))
		if err != nil {
			return nil, err
		}

		att := &lifecycle.Attempt{Operation: "queryInvoice", Request: payload}
		res, err := e.cfg.Transport(cred).Call(ctx, soap.OpQueryInvoice, payload)
		fill(att, res)
		if err != nil {
			att.Resolution = lifecycle.ResolutionError
			return att, err
		}

		ret, err := nfse.ParseQueryReturn(res.Body)
		if err != nil {
			att.Resolution = lifecycle.ResolutionError
			return att, err
		}
		out := nfse.ReconcileQueryReturn(ret)
		applyService(att, out)
		return att, outcomeErr(out.Status == nfse.StatusRejected, out.Status == nfse.StatusProcessing, out.Code, out.Message)
	}
}

// History exposes the append-only transmission log for audit.
func (e *Engine) History(ctx context.Context, docID uuid.UUID) ([]lifecycle.TransmissionRecord, error) {
	return e.coord.History(ctx, docID)
}

func fill(att *lifecycle.Attempt, res *soap.Result) {
	if res == nil {
		return
	}
	att.Response = res.Body
	att.Elapsed = res.Elapsed
}

func applyGoods(att *lifecycle.Attempt, out *nfe.Outcome) {
	att.StatusCode = out.Code
	att.Message = out.Message
	att.Protocol = out.Protocol
	att.Receipt = out.Receipt
	switch out.Status {
	case nfe.StatusAuthorized:
		att.Resolution = lifecycle.ResolutionAuthorized
	case nfe.StatusRejected, nfe.StatusCancelled:
		att.Resolution = lifecycle.ResolutionRejected
	default:
		att.Resolution = lifecycle.ResolutionProcessing
	}
}

func applyService(att *lifecycle.Attempt, out *nfse.Outcome) {
	att.StatusCode = out.Code
	att.Message = out.Message
	att.Protocol = out.InvoiceNumber
	att.VerificationCode = out.VerificationCode
	att.Receipt = out.LotNumber
	switch out.Status {
	case nfse.StatusConfirmed:
		att.Resolution = lifecycle.ResolutionAuthorized
	case nfse.StatusRejected, nfse.StatusCancelled:
		att.Resolution = lifecycle.ResolutionRejected
	default:
		att.Resolution = lifecycle.ResolutionProcessing
	}
}

// outcomeErr maps a reconciled verdict to the caller-visible error: the
// verbatim rejection, the still-processing sentinel, or nothing.
func outcomeErr(rejected, processing bool, code, message string) error {
	if rejected {
		return &fiscal.RejectionError{Code: code, Message: message}
	}
	if processing {
		return fiscal.ErrStillProcessing
	}
	return nil
}

func settle(doc *lifecycle.Document, err error) (*Result, error) {
	if doc == nil {
		return nil, err
	}
	res := resultOf(doc)
	logger.WithFields(logrus.Fields{
		"document": doc.ID,
		"state":    doc.State.String(),
		"code":     doc.StatusCode,
	}).Debug("operation settled")
	return res, err
}

func resultOf(doc *lifecycle.Document) *Result {
	return &Result{
		DocumentID:       doc.ID,
		State:            doc.State,
		AccessKey:        doc.AccessKey,
		VerificationCode: doc.VerificationCode,
		Protocol:         doc.Protocol,
		StatusCode:       doc.StatusCode,
		StatusMessage:    doc.StatusMessage,
	}
}
