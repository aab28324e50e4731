package runtime

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	errspkg "github.com/drblury/behaviorflow/internal/runtime/errors"
)

// routerMiddlewares returns the Watermill middlewares wrapping every consumer
// handler, outermost first.
func (s *Service) routerMiddlewares() ([]message.HandlerMiddleware, error) {
	mws := []message.HandlerMiddleware{middleware.Recoverer}

	if s.Conf.PoisonQueue != "" {
		poison, err := s.poisonQueueMiddleware()
		if err != nil {
			return nil, err
		}
		mws = append(mws, poison)
	}
	if s.Conf.HandlerTimeout > 0 {
		mws = append(mws, middleware.Timeout(s.Conf.HandlerTimeout))
	}
	return mws, nil
}

// poisonQueueMiddleware forwards messages that failed permanently to the
// configured poison queue and acknowledges them.
func (s *Service) poisonQueueMiddleware() (message.HandlerMiddleware, error) {
	if s.publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	mw, err := middleware.PoisonQueueWithFilter(s.publisher, s.Conf.PoisonQueue, isPermanent)
	if err != nil {
		return nil, fmt.Errorf("poison queue middleware: %w", err)
	}
	return mw, nil
}

// isPermanent reports whether redelivering the message cannot change the
// outcome of its incoming pipeline.
func isPermanent(err error) bool {
	var (
		unprocessable *errspkg.UnprocessableMessageError
		resolution    *errspkg.ResolutionError
	)
	return errors.As(err, &unprocessable) || errors.As(err, &resolution)
}
