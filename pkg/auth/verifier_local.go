package auth

import (
	"context"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ClassMarket/classmarket-core/pkg/models"
)

// LocalVerifier verifies first-party access tokens with a [TokenCodec].
type LocalVerifier struct {
	codec  *TokenCodec
	tracer trace.Tracer
}

// NewLocalVerifier wraps codec.
func NewLocalVerifier(codec *TokenCodec) *LocalVerifier {
	return &LocalVerifier{codec: codec, tracer: otel.Tracer(tracerName)}
}

// Verify decodes token and maps its claims onto a local identity.
func (v *LocalVerifier) Verify(ctx context.Context, token string) (*NormalizedIdentity, error) {
	_, span := startSpan(ctx, v.tracer, "auth.LocalVerifier.Verify")
	defer span.End()

	claims, err := v.codec.Verify(token)
	if err != nil {
		finishSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int64("auth.user_id", claims.UserID))

	identity := &NormalizedIdentity{
		Provider:   models.ProviderLocal,
		ExternalID: strconv.FormatInt(claims.UserID, 10),
		Subject:    claims.Subject,
		Role:       claims.Role,
	}
	if looksLikeEmail(claims.Subject) {
		identity.Email = models.NormalizeEmail(claims.Subject)
	}
	return identity, nil
}
