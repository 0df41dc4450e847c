package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/guzus/dr-manhattan/internal/tracker"
)

const deliverTimeout = 15 * time.Second

// WatchOrders subscribes the notifier to the tracker's order events so
// fills and rejections reach the operator. Delivery runs off the caller's
// goroutine; failures are logged by the notifier and dropped.
func WatchOrders(n *Notifier, tr *tracker.Tracker) {
	tr.Subscribe(func(ev tracker.Event) {
		var event, title string
		switch ev.Type {
		case tracker.EventPartialFill, tracker.EventFilled:
			event = EventFill
			title = fmt.Sprintf("Fill: %s %s", ev.Order.Venue, ev.Order.Outcome)
		case tracker.EventRejected:
			event = EventOrderRejected
			title = fmt.Sprintf("Order rejected: %s", ev.Order.Venue)
		default:
			return
		}

		o := ev.Order
		message := fmt.Sprintf("%s %s %.2f @ %.4f (filled %.2f/%.2f)\nmarket %s",
			o.Side, o.Outcome, o.Size, o.Price, o.Filled, o.Size, o.MarketID)
		if ev.Fill != nil {
			message = fmt.Sprintf("%s %s %.2f @ %.4f (filled %.2f/%.2f)\nmarket %s",
				o.Side, o.Outcome, ev.Fill.Size, ev.Fill.Price, o.Filled, o.Size, o.MarketID)
		}

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			defer cancel()
			_ = n.Notify(ctx, event, title, message)
		}()
	})
}

// SessionAlert reports a session lifecycle change (pause on auth failure,
// stop) to the operator channels.
func SessionAlert(ctx context.Context, n *Notifier, event, sessionID, detail string) {
	title := fmt.Sprintf("Session %s", event)
	message := fmt.Sprintf("session %s\n%s", sessionID, detail)
	_ = n.Notify(ctx, event, title, message)
}
