package telemetry

import "github.com/timzifer/dbconn/events"

// Subscriber returns an event subscriber feeding c.
func Subscriber(c Collector) events.Subscriber {
	if c == nil {
		c = Noop()
	}
	return events.SubscriberFunc(func(ev events.Event) error {
		switch ev.Kind {
		case events.Opened:
			c.IncConnectionOpened(ev.Name)
		case events.WillClose:
			if ev.Connection != nil {
				loads, stores := ev.Connection.TransferCounts()
				c.ObserveTransfer(ev.Name, loads, stores)
			}
		case events.Closed:
			c.IncConnectionClosed(ev.Name)
		}
		return nil
	})
}
