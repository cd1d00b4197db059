package redisstream

// Field constants (avoid typos/allocs)
const (
	fieldID           = "id"
	fieldPayload      = "payload"    // raw []byte to reduce allocs (no base64)
	fieldProducedAt   = "producedAt" // int64 ns
	fieldAttrPrefix   = "attr:"
	fieldHeaderPrefix = "header:"
)
