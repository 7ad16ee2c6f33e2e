package deploy

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tqbf/deploysync/pkg/deployapi"
	"github.com/tqbf/deploysync/pkg/deployerr"
	"github.com/tqbf/deploysync/pkg/poll"
	"github.com/tqbf/deploysync/pkg/progress"
	"github.com/tqbf/deploysync/pkg/retry"
)

// PollOptions configures both status pollers.
type PollOptions struct {
	Site     string
	Interval time.Duration
	Timeout  time.Duration
	// Policy retries a single failed status read before the tick fails.
	Policy            retry.Policy
	RetryClientErrors bool

	Clock  clockwork.Clock
	Sink   progress.Sink
	Logger *slog.Logger
}

func (o PollOptions) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func (o PollOptions) clock() clockwork.Clock {
	if o.Clock != nil {
		return o.Clock
	}
	return clockwork.NewRealClock()
}

// getDeploy reads deploy status once, retrying transient failures.
func getDeploy(
	ctx context.Context,
	api deployapi.API,
	id string,
	op string,
	o PollOptions,
) (*deployapi.Deploy, error) {
	var d *deployapi.Deploy
	err := retry.Do(ctx, o.Policy,
		func(ctx context.Context, _ int) error {
			var err error
			d, err = api.GetDeploy(ctx, o.Site, id)
			return err
		},
		retry.WithClock(o.clock()),
		retry.WithRetryable(func(err error) bool {
			return deployapi.Retryable(err, o.RetryClientErrors)
		}),
		retry.OnRetry(func(attempt int, delay time.Duration, err error) {
			o.logger().Warn("status read failed, retrying",
				"deploy_id", id,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
		}),
	)
	if err != nil {
		if k := deployerr.KindOf(err); k == deployerr.KindTimeout ||
			k == deployerr.KindCanceled {
			return nil, err
		}
		return nil, deployerr.Transport(op, id, err)
	}
	return d, nil
}

// waitFor polls deploy id until done reports true. An error state
// always ends the wait with the server's message.
func waitFor(
	ctx context.Context,
	api deployapi.API,
	id string,
	op string,
	done func(deployapi.State) bool,
	o PollOptions,
) (*deployapi.Deploy, error) {
	log := o.logger()
	return poll.Until(ctx, poll.Options{
		Interval: o.Interval,
		Timeout:  o.Timeout,
		Clock:    o.Clock,
		Op:       op,
		ID:       id,
	}, func(ctx context.Context) (*deployapi.Deploy, bool, error) {
		d, err := getDeploy(ctx, api, id, op, o)
		if err != nil {
			return nil, false, err
		}
		log.Debug("deploy status", "deploy_id", id, "state", d.State)
		if d.State.Failed() {
			return nil, false, deployerr.Remote(op, id, d.ErrorMessage)
		}
		return d, done(d.State), nil
	})
}

// AwaitLive polls until the deploy is ready, fails, or Timeout elapses.
func AwaitLive(
	ctx context.Context,
	api deployapi.API,
	id string,
	o PollOptions,
) (*deployapi.Deploy, error) {
	progress.Emit(o.Sink, progress.TypeWaitForDeploy, progress.PhaseStart,
		"Waiting for deploy to go live")
	d, err := waitFor(ctx, api, id, progress.TypeWaitForDeploy,
		deployapi.State.Live, o)
	if err != nil {
		progress.Emit(o.Sink, progress.TypeWaitForDeploy,
			progress.PhaseError, err.Error())
		return nil, err
	}
	progress.Emit(o.Sink, progress.TypeWaitForDeploy, progress.PhaseStop,
		"Deploy is live")
	return d, nil
}
