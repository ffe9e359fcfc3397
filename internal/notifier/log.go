package notifier

import (
	"context"

	"github.com/makkenzo/key-fulfillment-service/internal/util"
	"go.uber.org/zap"
)

// LogNotifier writes deliveries to the log with masked codes. For local runs.
type LogNotifier struct {
	logger *zap.Logger
}

func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("LogNotifier")}
}

func (n *LogNotifier) Send(ctx context.Context, msg Message) error {
	masked := make([]string, len(msg.Data.Keys))
	for i, k := range msg.Data.Keys {
		masked[i] = util.MaskKeyCode(k.Code)
	}
	n.logger.Info("Delivering keys",
		zap.String("to", msg.To),
		zap.String("channel", msg.Channel),
		zap.String("template", msg.Template),
		zap.String("order_id", msg.Data.OrderID),
		zap.Strings("keys", masked),
	)
	return nil
}
