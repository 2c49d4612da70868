package stream

// Named streams of the pipeline. The registry is fixed: appending to an
// unregistered stream is a programming error and fails loudly.
const (
	WALPre   = "wal:pre"
	WALPost  = "wal:post"
	Retry    = "retry:messages"
	Fallback = "fallback:messages"
	DLQ      = "dlq:messages"

	EventsMessages      = "events:messages"
	EventsStatus        = "events:status"
	EventsConversations = "events:conversations"
	EventsFiles         = "events:files"
	EventsUsers         = "events:users"
)

// All returns every registered stream name.
func All() []string {
	return []string{
		WALPre, WALPost,
		Retry, Fallback, DLQ,
		EventsMessages, EventsStatus, EventsConversations, EventsFiles, EventsUsers,
	}
}

// MaxLenTable maps each stream to its approximate cap. Oldest entries are
// trimmed past the cap; consumers are expected to have drained them first.
type MaxLenTable struct {
	WAL    int64
	Retry  int64
	DLQ    int64
	Events int64
}

// For returns the cap for a stream name.
func (t MaxLenTable) For(stream string) int64 {
	switch stream {
	case WALPre, WALPost:
		return t.WAL
	case Retry, Fallback:
		return t.Retry
	case DLQ:
		return t.DLQ
	default:
		return t.Events
	}
}
