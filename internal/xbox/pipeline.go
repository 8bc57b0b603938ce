package xbox

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"gophersnake-go/internal/events"
	"gophersnake-go/internal/monitoring/tracing"
	"gophersnake-go/internal/tokencache"
)

// DefaultCompositeTTL is how long a minted composite credential is reused
// before the chain is walked again.
const DefaultCompositeTTL = 23 * time.Hour

// TokenSource supplies the primary-identity token the chain starts from.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// PipelineOption customizes Pipeline creation.
type PipelineOption func(*Pipeline)

// Pipeline composes cache, primary token source and exchanger into the single
// operation callers see. It is a strict linear chain: the only branch is the
// cache short-circuit, and any stage failure aborts the whole run with
// nothing cached.
type Pipeline struct {
	cache     tokencache.Store
	source    TokenSource
	exchanger *Exchanger
	publisher events.Publisher
	ttl       time.Duration
	now       func() time.Time
}

// NewPipeline creates a pipeline over the given collaborators.
func NewPipeline(cache tokencache.Store, source TokenSource, exchanger *Exchanger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		cache:     cache,
		source:    source,
		exchanger: exchanger,
		ttl:       DefaultCompositeTTL,
		now:       time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// WithCompositeTTL overrides the reuse window of a minted credential.
func WithCompositeTTL(ttl time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if ttl > 0 {
			p.ttl = ttl
		}
	}
}

// WithPublisher lets the pipeline announce freshly minted credentials on the
// event hub.
func WithPublisher(pub events.Publisher) PipelineOption {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithNowFunc overrides the clock used for expiry decisions (testing).
func WithNowFunc(now func() time.Time) PipelineOption {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
		}
	}
}

// Composite returns the current composite credential, walking the MSA → user
// token → XSTS chain only when the cached credential is absent or expired.
func (p *Pipeline) Composite(ctx context.Context) (string, error) {
	if rec, ok := p.cache.Get(ctx, tokencache.StageXBL3); ok && rec.Valid(p.now()) {
		log.Debug("composite credential served from cache")
		return rec.Secret, nil
	}

	ctx, span := tracing.StartSpan(ctx, "pipeline", "credential.mint")
	defer span.End()

	log.Info("minting new composite credential")

	msaToken, err := p.stageMSA(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "primary token")
		span.RecordError(err)
		return "", err
	}

	userToken, _, err := p.stageUserToken(ctx, msaToken)
	if err != nil {
		span.SetStatus(codes.Error, "user token exchange")
		span.RecordError(err)
		return "", err
	}

	xstsToken, userHandle, err := p.stageXSTSToken(ctx, userToken)
	if err != nil {
		span.SetStatus(codes.Error, "xsts token exchange")
		span.RecordError(err)
		return "", err
	}

	composite := FormatComposite(userHandle, xstsToken)
	span.SetAttributes(attribute.String("credential.uhs", userHandle))

	if err := p.cache.Put(ctx, tokencache.StageXBL3, tokencache.Record{
		Secret:     composite,
		UserHandle: userHandle,
		ExpiresOn:  tokencache.ExpiryIn(p.now(), p.ttl),
	}); err != nil {
		log.WithError(err).Warn("could not persist composite credential")
	}

	if p.publisher != nil {
		p.publisher.Publish(ctx, events.TopicCredentialMinted, userHandle, nil)
	}

	log.WithField("uhs", userHandle).Info("composite credential minted")
	return composite, nil
}

func (p *Pipeline) stageMSA(ctx context.Context) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline", "stage.msa")
	defer span.End()
	token, err := p.source.AccessToken(ctx)
	if err != nil {
		span.RecordError(err)
	}
	return token, err
}

func (p *Pipeline) stageUserToken(ctx context.Context, msaToken string) (string, string, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline", "stage.user_token")
	defer span.End()
	token, uhs, err := p.exchanger.UserToken(ctx, msaToken)
	if err != nil {
		span.RecordError(err)
	}
	return token, uhs, err
}

func (p *Pipeline) stageXSTSToken(ctx context.Context, userToken string) (string, string, error) {
	ctx, span := tracing.StartSpan(ctx, "pipeline", "stage.xsts_token")
	defer span.End()
	token, uhs, err := p.exchanger.XSTSToken(ctx, userToken)
	if err != nil {
		span.RecordError(err)
	}
	return token, uhs, err
}
