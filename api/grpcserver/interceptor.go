package grpcserver

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"carledger/infra/monitoring"
)

// UnaryInterceptor bounds every call by timeout, logs it and tracks it in
// metrics. A zero timeout leaves the caller's deadline alone.
func UnaryInterceptor(logger logrus.FieldLogger, metrics *monitoring.Metrics, timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		done := metrics.TrackInflight(info.FullMethod)
		defer done()

		start := time.Now()
		resp, err := handler(ctx, req)
		err = toStatus(err)

		entry := logger.WithField("action", "grpc_call").
			WithField("method", info.FullMethod).
			WithField("code", status.Code(err).String()).
			WithField("took", time.Since(start))
		switch status.Code(err) {
		case codes.OK:
			entry.Debug("call served")
		case codes.Internal, codes.DataLoss, codes.Unavailable:
			entry.WithError(err).Error("call failed")
		default:
			entry.WithError(err).Info("call rejected")
		}
		return resp, err
	}
}
