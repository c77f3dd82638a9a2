package tracker

import (
	"storyline/internal/bus"
	"storyline/internal/domain"
)

const (
	// TopicSessionEstablished carries no payload.
	TopicSessionEstablished bus.Topic = "session:established"
	// TopicSessionRejected carries no payload.
	TopicSessionRejected bus.Topic = "session:rejected"
	// TopicProjectsReceived carries []*domain.Project; iterations not yet attached.
	TopicProjectsReceived bus.Topic = "projects:received"
	// TopicIterationsReceived carries the *domain.Project whose iterations were just set.
	TopicIterationsReceived bus.Topic = "iterations:received"
	// TopicRecordsMalformed carries the error of a payload rejected by the strict parser.
	TopicRecordsMalformed bus.Topic = "records:malformed"
)

// Topics lists every topic the pipeline publishes.
var Topics = []bus.Topic{
	TopicSessionEstablished,
	TopicSessionRejected,
	TopicProjectsReceived,
	TopicIterationsReceived,
	TopicRecordsMalformed,
}

func OnSessionEstablished(b *bus.Bus, fn func()) bus.SubscriptionID {
	return b.Subscribe(TopicSessionEstablished, func(bus.Topic, ...any) { fn() })
}

func OnSessionRejected(b *bus.Bus, fn func()) bus.SubscriptionID {
	return b.Subscribe(TopicSessionRejected, func(bus.Topic, ...any) { fn() })
}

func OnProjectsReceived(b *bus.Bus, fn func([]*domain.Project)) bus.SubscriptionID {
	return b.Subscribe(TopicProjectsReceived, func(_ bus.Topic, args ...any) {
		if projects, ok := first[[]*domain.Project](args); ok {
			fn(projects)
		}
	})
}

func OnIterationsReceived(b *bus.Bus, fn func(*domain.Project)) bus.SubscriptionID {
	return b.Subscribe(TopicIterationsReceived, func(_ bus.Topic, args ...any) {
		if project, ok := first[*domain.Project](args); ok && project != nil {
			fn(project)
		}
	})
}

func OnRecordsMalformed(b *bus.Bus, fn func(error)) bus.SubscriptionID {
	return b.Subscribe(TopicRecordsMalformed, func(_ bus.Topic, args ...any) {
		if err, ok := first[error](args); ok {
			fn(err)
		}
	})
}

func first[T any](args []any) (T, bool) {
	var zero T
	if len(args) == 0 {
		return zero, false
	}
	v, ok := args[0].(T)
	return v, ok
}
