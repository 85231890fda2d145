// Package envelope implements the newline-delimited JSON-array wire frames
// of spec.md §4.3/§6.1 (REQ/CLOSE/EVENT/EOSE/NOTICE/OK/AUTH). It collapses
// what kwsantiago-orly spreads across encoders/envelopes/{req,event,eose,
// ok,closed,auth}envelope into one package sized for this module's smaller
// scope: each frame type has a Marshal method, Parse decodes any frame, and
// Write sends one.
package envelope

import (
	"bufio"
	"encoding/json"
	"io"

	"hypertuna.dev/errorf"
	"hypertuna.dev/event"
)

// Label identifies a frame's first array element.
type Label string

const (
	LabelReq    Label = "REQ"
	LabelClose  Label = "CLOSE"
	LabelEvent  Label = "EVENT"
	LabelEOSE   Label = "EOSE"
	LabelNotice Label = "NOTICE"
	LabelOK     Label = "OK"
	LabelAuth   Label = "AUTH"
)

// Req is `["REQ", subId, filter...]`, client to relay.
type Req struct {
	SubId   string
	Filters event.Filters
}

// Close is `["CLOSE", subId]`, client to relay.
type Close struct {
	SubId string
}

// EventOut is `["EVENT", event]`, client publishing to a relay.
type EventOut struct {
	Event *event.E
}

// EventIn is `["EVENT", subId, event]`, relay to client.
type EventIn struct {
	SubId string
	Event *event.E
}

// EOSE is `["EOSE", subId]`, relay to client.
type EOSE struct {
	SubId string
}

// Notice is `["NOTICE", text]`, relay to client.
type Notice struct {
	Text string
}

// OK is `["OK", eventId, success, message]`, relay to client.
type OK struct {
	EventId string
	Success bool
	Message string
}

// Auth is `["AUTH", challenge]`, relay to client.
type Auth struct {
	Challenge string
}

func marshal(label Label, rest ...any) ([]byte, error) {
	arr := make([]any, 0, len(rest)+1)
	arr = append(arr, string(label))
	arr = append(arr, rest...)
	return json.Marshal(arr)
}

// Marshal renders each frame type to its wire-form JSON array.
func (f *Req) Marshal() ([]byte, error) {
	rest := make([]any, 0, len(f.Filters)+1)
	rest = append(rest, f.SubId)
	for _, ft := range f.Filters {
		rest = append(rest, ft)
	}
	return marshal(LabelReq, rest...)
}

func (f *Close) Marshal() ([]byte, error) { return marshal(LabelClose, f.SubId) }

func (f *EventOut) Marshal() ([]byte, error) { return marshal(LabelEvent, f.Event) }

func (f *EventIn) Marshal() ([]byte, error) { return marshal(LabelEvent, f.SubId, f.Event) }

func (f *EOSE) Marshal() ([]byte, error) { return marshal(LabelEOSE, f.SubId) }

func (f *Notice) Marshal() ([]byte, error) { return marshal(LabelNotice, f.Text) }

func (f *OK) Marshal() ([]byte, error) { return marshal(LabelOK, f.EventId, f.Success, f.Message) }

func (f *Auth) Marshal() ([]byte, error) { return marshal(LabelAuth, f.Challenge) }

// Write marshals f and writes it as a single newline-terminated frame.
func Write(w io.Writer, f interface{ Marshal() ([]byte, error) }) error {
	b, err := f.Marshal()
	if err != nil {
		return errorf.E("envelope: marshal: %w", err)
	}
	b = append(b, '\n')
	if _, err = w.Write(b); err != nil {
		return errorf.E("envelope: write: %w", err)
	}
	return nil
}

// Parse decodes a single frame (one line of the wire protocol) into one of
// *Req, *Close, *EventOut, *EventIn, *EOSE, *Notice, *OK, or *Auth,
// distinguishing client-direction EVENT (2-element: label+event) from
// relay-direction EVENT (3-element: label+subId+event) by array length.
func Parse(line []byte) (frame any, err error) {
	var raw []json.RawMessage
	if err = json.Unmarshal(line, &raw); err != nil {
		return nil, errorf.E("envelope: malformed frame: %w", err)
	}
	if len(raw) == 0 {
		return nil, errorf.E("envelope: empty frame")
	}
	var label string
	if err = json.Unmarshal(raw[0], &label); err != nil {
		return nil, errorf.E("envelope: malformed label: %w", err)
	}
	switch Label(label) {
	case LabelReq:
		if len(raw) < 2 {
			return nil, errorf.E("envelope: REQ missing subId")
		}
		req := &Req{}
		if err = json.Unmarshal(raw[1], &req.SubId); err != nil {
			return nil, err
		}
		for _, fr := range raw[2:] {
			var ft event.Filter
			if err = json.Unmarshal(fr, &ft); err != nil {
				return nil, errorf.E("envelope: malformed filter: %w", err)
			}
			req.Filters = append(req.Filters, &ft)
		}
		return req, nil
	case LabelClose:
		if len(raw) != 2 {
			return nil, errorf.E("envelope: CLOSE must have exactly one argument")
		}
		c := &Close{}
		if err = json.Unmarshal(raw[1], &c.SubId); err != nil {
			return nil, err
		}
		return c, nil
	case LabelEvent:
		switch len(raw) {
		case 2:
			ev := &event.E{}
			if err = json.Unmarshal(raw[1], ev); err != nil {
				return nil, errorf.E("envelope: malformed event: %w", err)
			}
			return &EventOut{Event: ev}, nil
		case 3:
			in := &EventIn{}
			if err = json.Unmarshal(raw[1], &in.SubId); err != nil {
				return nil, err
			}
			in.Event = &event.E{}
			if err = json.Unmarshal(raw[2], in.Event); err != nil {
				return nil, errorf.E("envelope: malformed event: %w", err)
			}
			return in, nil
		default:
			return nil, errorf.E("envelope: EVENT has the wrong arity (%d)", len(raw))
		}
	case LabelEOSE:
		if len(raw) != 2 {
			return nil, errorf.E("envelope: EOSE must have exactly one argument")
		}
		e := &EOSE{}
		if err = json.Unmarshal(raw[1], &e.SubId); err != nil {
			return nil, err
		}
		return e, nil
	case LabelNotice:
		if len(raw) != 2 {
			return nil, errorf.E("envelope: NOTICE must have exactly one argument")
		}
		n := &Notice{}
		if err = json.Unmarshal(raw[1], &n.Text); err != nil {
			return nil, err
		}
		return n, nil
	case LabelOK:
		if len(raw) != 4 {
			return nil, errorf.E("envelope: OK must have exactly three arguments")
		}
		o := &OK{}
		if err = json.Unmarshal(raw[1], &o.EventId); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(raw[2], &o.Success); err != nil {
			return nil, err
		}
		if err = json.Unmarshal(raw[3], &o.Message); err != nil {
			return nil, err
		}
		return o, nil
	case LabelAuth:
		if len(raw) != 2 {
			return nil, errorf.E("envelope: AUTH must have exactly one argument")
		}
		a := &Auth{}
		if err = json.Unmarshal(raw[1], &a.Challenge); err != nil {
			return nil, err
		}
		return a, nil
	default:
		return nil, errorf.E("envelope: unknown frame label %q", label)
	}
}

// ReadFrames invokes fn for each newline-delimited frame read from r until
// EOF or fn returns an error.
func ReadFrames(r io.Reader, fn func(frame any) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		frame, err := Parse(line)
		if err != nil {
			return err
		}
		if err = fn(frame); err != nil {
			return err
		}
	}
	return sc.Err()
}
