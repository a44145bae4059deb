package protocol

// Wire format version.
const Version = 1

// Envelope discriminators. The first byte of every encoded message selects
// the decoding path.
const (
	HighPerformance byte = 0xFF // binary frame codec
	LowPerformance  byte = 0xFE // generic codec (JSON)
)

// Content types negotiated at connection establishment.
const (
	ContentTypeFramer = "application/telem-framer"
	ContentTypeJSON   = "application/json"
)

// ContentTypeKey is the query parameter carrying the content type.
const ContentTypeKey = "contentType"

// MetadataPrefix is prepended to middleware parameters in the connection
// query string so they never collide with application parameters.
const MetadataPrefix = "telemctx-"

// MessageType tags the kind of an envelope.
type MessageType string

const (
	MsgOpen  MessageType = "open"
	MsgData  MessageType = "data"
	MsgClose MessageType = "close"
)

func (t MessageType) Valid() bool {
	return t == MsgOpen || t == MsgData || t == MsgClose
}
