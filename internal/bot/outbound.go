package bot

import (
	"context"

	"github.com/gsPatrick/sheila-api/internal/echo"
	"github.com/gsPatrick/sheila-api/internal/zapi"
)

// Outbound wraps the gateway send call and registers every delivered
// message id with the echo cache, so the platform's redelivery of our
// own message is not mistaken for a human operator typing.
type Outbound struct {
	gateway *zapi.Client
	echo    *echo.Cache
}

func NewOutbound(gateway *zapi.Client, cache *echo.Cache) *Outbound {
	return &Outbound{gateway: gateway, echo: cache}
}

// Send delivers text and returns the provider message id. On failure
// nothing is registered; the error propagates to the caller, which
// persists no message either.
func (o *Outbound) Send(ctx context.Context, phone, text string) (string, error) {
	id, err := o.gateway.SendText(ctx, phone, text)
	if err != nil {
		return "", err
	}
	o.echo.Register(id)
	return id, nil
}
