// pkg/types/message.go
package types

import (
	"encoding/json"
	"fmt"
)

// Receipt is a witness signature over one (prefix, sn, digest) triple.
type Receipt struct {
	Prefix    string `json:"i"`
	Sn        uint64 `json:"s"`
	Digest    string `json:"d"`
	Witness   string `json:"w"`
	Signature string `json:"sig"`
}

type receiptBody struct {
	Prefix string `json:"i"`
	Sn     uint64 `json:"s"`
	Digest string `json:"d"`
}

// SigningBytes returns the bytes a witness signs for this receipt.
func (r *Receipt) SigningBytes() ([]byte, error) {
	return json.Marshal(receiptBody{Prefix: r.Prefix, Sn: r.Sn, Digest: r.Digest})
}

// Exchange routes.
const RouteForward = "/fwd"

// Exchange is a peer-to-peer message, such as a forwarded credential.
type Exchange struct {
	ID        string          `json:"id"`
	Route     string          `json:"r"`
	Sender    string          `json:"i"`
	Recipient string          `json:"rp"`
	Date      string          `json:"dt"`
	Payload   json.RawMessage `json:"a"`
}

// Bytes returns the signed serialization of the exchange.
func (e *Exchange) Bytes() ([]byte, error) {
	return json.Marshal(e)
}

// SignedExchange is an Exchange signed by one of the sender's keys.
type SignedExchange struct {
	Exchange  Exchange `json:"exn"`
	Signer    string   `json:"signer"`
	Signature string   `json:"sig"`
}

// QueryRoute selects what a query asks for.
type QueryRoute string

const (
	QueryMailbox QueryRoute = "mbx"
	QueryLog     QueryRoute = "log"
	QueryTel     QueryRoute = "tel"
)

// Mailbox topics.
const (
	TopicReceipt    = "receipt"
	TopicCredential = "credential"
	TopicReply      = "reply"
)

// Query asks a peer for queued or stored data. Prefix is the requester,
// Target the queried endpoint, Subject the identifier or credential digest
// being asked about.
type Query struct {
	ID       string     `json:"id"`
	Route    QueryRoute `json:"r"`
	Prefix   string     `json:"i"`
	Target   string     `json:"tgt"`
	Subject  string     `json:"sub,omitempty"`
	Registry string     `json:"ri,omitempty"`
	Topic    string     `json:"topic,omitempty"`
	Cursor   uint64     `json:"cur"`
	Date     string     `json:"dt"`
}

// Bytes returns the signed serialization of the query.
func (q *Query) Bytes() ([]byte, error) {
	return json.Marshal(q)
}

// SignedQuery is a Query signed by one of the requester's keys.
type SignedQuery struct {
	Query     Query  `json:"qry"`
	Signer    string `json:"signer"`
	Signature string `json:"sig"`
}

// MessageKind tags the body of a Message.
type MessageKind string

const (
	KindKel      MessageKind = "kel"
	KindTel      MessageKind = "tel"
	KindExchange MessageKind = "exn"
	KindReply    MessageKind = "rpy"
	KindReceipt  MessageKind = "rct"
	KindQuery    MessageKind = "qry"
)

// Message is the unit of transfer between peers.
type Message struct {
	Kind MessageKind     `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// NewMessage marshals body into a Message of the given kind.
func NewMessage(kind MessageKind, body any) (Message, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Message{}, err
	}
	return Message{Kind: kind, Body: data}, nil
}

// Decode unmarshals the message body into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Body, v); err != nil {
		return fmt.Errorf("%w: %s body: %v", ErrMalformed, m.Kind, err)
	}
	return nil
}

// Envelope is one queued item returned by a mailbox or messagebox.
type Envelope struct {
	Topic   string  `json:"topic"`
	Index   uint64  `json:"idx"`
	Message Message `json:"msg"`
}
