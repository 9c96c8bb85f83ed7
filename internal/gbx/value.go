package gbx

import (
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind enumerates the XML-RPC value kinds the game server uses.
type Kind int

const (
	KindInt Kind = iota
	KindDouble
	KindBool
	KindString
	KindBase64
	KindDateTime
	KindStruct
	KindArray
)

func (k Kind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindBool:
		return "boolean"
	case KindString:
		return "string"
	case KindBase64:
		return "base64"
	case KindDateTime:
		return "dateTime.iso8601"
	case KindStruct:
		return "struct"
	case KindArray:
		return "array"
	default:
		return "unknown"
	}
}

// Value is one XML-RPC value. Only the member matching Kind is set.
// Struct members are an unordered mapping on ingestion, even though
// the wire format carries them in order.
type Value struct {
	Kind   Kind
	Int    int
	Double float64
	Bool   bool
	Str    string
	Bytes  []byte
	Time   time.Time
	Struct map[string]Value
	Array  []Value
}

// Constructors, to keep call sites short.

func Int(i int) Value          { return Value{Kind: KindInt, Int: i} }
func Double(f float64) Value   { return Value{Kind: KindDouble, Double: f} }
func Bool(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func String(s string) Value    { return Value{Kind: KindString, Str: s} }
func Base64(b []byte) Value    { return Value{Kind: KindBase64, Bytes: b} }
func DateTime(t time.Time) Value { return Value{Kind: KindDateTime, Time: t} }

func Array(vs ...Value) Value {
	if vs == nil {
		vs = []Value{}
	}
	return Value{Kind: KindArray, Array: vs}
}

func Struct(members map[string]Value) Value {
	return Value{Kind: KindStruct, Struct: members}
}

// Strings builds an array value from plain strings.
func Strings(ss ...string) Value {
	vs := make([]Value, len(ss))
	for i, s := range ss {
		vs[i] = String(s)
	}
	return Array(vs...)
}

// Call is an XML-RPC method call, either outbound (a request we make)
// or inbound (a callback pushed by the server).
type Call struct {
	Method string
	Args   []Value
}

// Fault is an XML-RPC fault response to a specific call. It is
// delivered to that caller only and is never fatal for the connection.
type Fault struct {
	Code    int
	Message string
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault %d: %s", f.Code, f.Message)
}

// iso8601 is the XML-RPC flavor of ISO 8601 the server emits.
const iso8601 = "20060102T15:04:05"

// encodeValue appends the <value> element for v.
func encodeValue(b *strings.Builder, v Value) {
	b.WriteString("<value>")
	switch v.Kind {
	case KindInt:
		b.WriteString("<int>")
		b.WriteString(strconv.Itoa(v.Int))
		b.WriteString("</int>")
	case KindDouble:
		b.WriteString("<double>")
		b.WriteString(strconv.FormatFloat(v.Double, 'g', -1, 64))
		b.WriteString("</double>")
	case KindBool:
		if v.Bool {
			b.WriteString("<boolean>1</boolean>")
		} else {
			b.WriteString("<boolean>0</boolean>")
		}
	case KindString:
		b.WriteString("<string>")
		xml.EscapeText(b, []byte(v.Str))
		b.WriteString("</string>")
	case KindBase64:
		b.WriteString("<base64>")
		b.WriteString(base64.StdEncoding.EncodeToString(v.Bytes))
		b.WriteString("</base64>")
	case KindDateTime:
		b.WriteString("<dateTime.iso8601>")
		b.WriteString(v.Time.Format(iso8601))
		b.WriteString("</dateTime.iso8601>")
	case KindStruct:
		b.WriteString("<struct>")
		// Sort member names so encoding is deterministic.
		names := make([]string, 0, len(v.Struct))
		for name := range v.Struct {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString("<member><name>")
			xml.EscapeText(b, []byte(name))
			b.WriteString("</name>")
			encodeValue(b, v.Struct[name])
			b.WriteString("</member>")
		}
		b.WriteString("</struct>")
	case KindArray:
		b.WriteString("<array><data>")
		for _, item := range v.Array {
			encodeValue(b, item)
		}
		b.WriteString("</data></array>")
	}
	b.WriteString("</value>")
}

// EncodeCall renders an outbound method call payload.
func EncodeCall(call Call) []byte {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?>`)
	b.WriteString("<methodCall><methodName>")
	xml.EscapeText(&b, []byte(call.Method))
	b.WriteString("</methodName><params>")
	for _, arg := range call.Args {
		b.WriteString("<param>")
		encodeValue(&b, arg)
		b.WriteString("</param>")
	}
	b.WriteString("</params></methodCall>")
	return []byte(b.String())
}

// decoder walks XML tokens. Decoding is strict on structural errors
// and lenient on whitespace between elements.
type decoder struct {
	d *xml.Decoder
}

func newDecoder(payload []byte) *decoder {
	return &decoder{d: xml.NewDecoder(strings.NewReader(string(payload)))}
}

// next returns the next non-whitespace token.
func (p *decoder) next() (xml.Token, error) {
	for {
		tok, err := p.d.Token()
		if err != nil {
			return nil, err
		}
		if cd, ok := tok.(xml.CharData); ok {
			if strings.TrimSpace(string(cd)) == "" {
				continue
			}
		}
		if _, ok := tok.(xml.Comment); ok {
			continue
		}
		if _, ok := tok.(xml.ProcInst); ok {
			continue
		}
		return tok, nil
	}
}

func (p *decoder) expectStart(name string) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != name {
		return fmt.Errorf("expected <%s>, got %T %v", name, tok, tok)
	}
	return nil
}

func (p *decoder) expectEnd(name string) error {
	tok, err := p.next()
	if err != nil {
		return err
	}
	end, ok := tok.(xml.EndElement)
	if !ok || end.Name.Local != name {
		return fmt.Errorf("expected </%s>, got %T %v", name, tok, tok)
	}
	return nil
}

// text reads character data up to the closing tag of the element
// named name, whose start tag was already consumed.
func (p *decoder) text(name string) (string, error) {
	var sb strings.Builder
	for {
		tok, err := p.d.Token()
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			sb.Write(t)
		case xml.EndElement:
			if t.Name.Local != name {
				return "", fmt.Errorf("expected </%s>, got </%s>", name, t.Name.Local)
			}
			return sb.String(), nil
		default:
			return "", fmt.Errorf("unexpected token inside <%s>: %T", name, tok)
		}
	}
}

// value decodes one <value> element whose start tag was already
// consumed.
func (p *decoder) value() (Value, error) {
	tok, err := p.d.Token()
	if err != nil {
		return Value{}, err
	}

	// Bare text inside <value>...</value> is a string.
	if cd, ok := tok.(xml.CharData); ok {
		text := string(cd)
		if strings.TrimSpace(text) == "" {
			// Whitespace before a typed element, or an empty string
			// value. Peek at the next token to decide.
			tok, err = p.d.Token()
			if err != nil {
				return Value{}, err
			}
			if end, ok := tok.(xml.EndElement); ok {
				if end.Name.Local != "value" {
					return Value{}, fmt.Errorf("expected </value>, got </%s>", end.Name.Local)
				}
				return String(text), nil
			}
		} else {
			// Collect the remaining text until </value>.
			rest, err := p.text("value")
			if err != nil {
				return Value{}, err
			}
			return String(text + rest), nil
		}
	}

	if end, ok := tok.(xml.EndElement); ok {
		if end.Name.Local != "value" {
			return Value{}, fmt.Errorf("expected </value>, got </%s>", end.Name.Local)
		}
		return String(""), nil
	}

	start, ok := tok.(xml.StartElement)
	if !ok {
		return Value{}, fmt.Errorf("unexpected token inside <value>: %T", tok)
	}

	v, err := p.typedValue(start.Name.Local)
	if err != nil {
		return Value{}, err
	}
	if err := p.expectEnd("value"); err != nil {
		return Value{}, err
	}
	return v, nil
}

func (p *decoder) typedValue(typ string) (Value, error) {
	switch typ {
	case "i4", "int":
		text, err := p.text(typ)
		if err != nil {
			return Value{}, err
		}
		i, err := strconv.Atoi(strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("bad integer %q: %w", text, err)
		}
		return Int(i), nil
	case "double":
		text, err := p.text(typ)
		if err != nil {
			return Value{}, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
		if err != nil {
			return Value{}, fmt.Errorf("bad double %q: %w", text, err)
		}
		return Double(f), nil
	case "boolean":
		text, err := p.text(typ)
		if err != nil {
			return Value{}, err
		}
		switch strings.TrimSpace(text) {
		case "1", "true":
			return Bool(true), nil
		case "0", "false":
			return Bool(false), nil
		default:
			return Value{}, fmt.Errorf("bad boolean %q", text)
		}
	case "string":
		text, err := p.text(typ)
		if err != nil {
			return Value{}, err
		}
		return String(text), nil
	case "base64":
		text, err := p.text(typ)
		if err != nil {
			return Value{}, err
		}
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("bad base64: %w", err)
		}
		return Base64(raw), nil
	case "dateTime.iso8601":
		text, err := p.text(typ)
		if err != nil {
			return Value{}, err
		}
		t, err := time.Parse(iso8601, strings.TrimSpace(text))
		if err != nil {
			return Value{}, fmt.Errorf("bad datetime %q: %w", text, err)
		}
		return DateTime(t), nil
	case "struct":
		return p.structValue()
	case "array":
		return p.arrayValue()
	default:
		return Value{}, fmt.Errorf("unknown value type <%s>", typ)
	}
}

func (p *decoder) structValue() (Value, error) {
	members := make(map[string]Value)
	for {
		tok, err := p.next()
		if err != nil {
			return Value{}, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "struct" {
				return Value{}, fmt.Errorf("expected </struct>, got </%s>", end.Name.Local)
			}
			return Struct(members), nil
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "member" {
			return Value{}, fmt.Errorf("expected <member> in struct, got %T %v", tok, tok)
		}
		if err := p.expectStart("name"); err != nil {
			return Value{}, err
		}
		name, err := p.text("name")
		if err != nil {
			return Value{}, err
		}
		if err := p.expectStart("value"); err != nil {
			return Value{}, err
		}
		v, err := p.value()
		if err != nil {
			return Value{}, err
		}
		if err := p.expectEnd("member"); err != nil {
			return Value{}, err
		}
		members[name] = v
	}
}

func (p *decoder) arrayValue() (Value, error) {
	if err := p.expectStart("data"); err != nil {
		return Value{}, err
	}
	items := make([]Value, 0, 4)
	for {
		tok, err := p.next()
		if err != nil {
			return Value{}, err
		}
		if end, ok := tok.(xml.EndElement); ok {
			if end.Name.Local != "data" {
				return Value{}, fmt.Errorf("expected </data>, got </%s>", end.Name.Local)
			}
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "value" {
			return Value{}, fmt.Errorf("expected <value> in array, got %T %v", tok, tok)
		}
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		items = append(items, item)
	}
	if err := p.expectEnd("array"); err != nil {
		return Value{}, err
	}
	return Array(items...), nil
}

// DecodeCall parses an inbound method call (a callback).
func DecodeCall(payload []byte) (Call, error) {
	p := newDecoder(payload)
	if err := p.expectStart("methodCall"); err != nil {
		return Call{}, err
	}
	if err := p.expectStart("methodName"); err != nil {
		return Call{}, err
	}
	method, err := p.text("methodName")
	if err != nil {
		return Call{}, err
	}
	call := Call{Method: strings.TrimSpace(method)}

	tok, err := p.next()
	if err != nil {
		return Call{}, err
	}
	if end, ok := tok.(xml.EndElement); ok && end.Name.Local == "methodCall" {
		return call, nil
	}
	start, ok := tok.(xml.StartElement)
	if !ok || start.Name.Local != "params" {
		return Call{}, fmt.Errorf("expected <params>, got %T %v", tok, tok)
	}
	for {
		tok, err := p.next()
		if err != nil {
			return Call{}, err
		}
		if end, ok := tok.(xml.EndElement); ok && end.Name.Local == "params" {
			break
		}
		start, ok := tok.(xml.StartElement)
		if !ok || start.Name.Local != "param" {
			return Call{}, fmt.Errorf("expected <param>, got %T %v", tok, tok)
		}
		if err := p.expectStart("value"); err != nil {
			return Call{}, err
		}
		v, err := p.value()
		if err != nil {
			return Call{}, err
		}
		if err := p.expectEnd("param"); err != nil {
			return Call{}, err
		}
		call.Args = append(call.Args, v)
	}
	if err := p.expectEnd("methodCall"); err != nil {
		return Call{}, err
	}
	return call, nil
}

// DecodeResponse parses an inbound method response. A fault response
// is returned as a *Fault error; any other error is a protocol error.
func DecodeResponse(payload []byte) (Value, error) {
	p := newDecoder(payload)
	if err := p.expectStart("methodResponse"); err != nil {
		return Value{}, err
	}

	tok, err := p.next()
	if err != nil {
		return Value{}, err
	}
	start, ok := tok.(xml.StartElement)
	if !ok {
		return Value{}, fmt.Errorf("expected <params> or <fault>, got %T %v", tok, tok)
	}

	switch start.Name.Local {
	case "params":
		if err := p.expectStart("param"); err != nil {
			return Value{}, err
		}
		if err := p.expectStart("value"); err != nil {
			return Value{}, err
		}
		v, err := p.value()
		if err != nil {
			return Value{}, err
		}
		if err := p.expectEnd("param"); err != nil {
			return Value{}, err
		}
		if err := p.expectEnd("params"); err != nil {
			return Value{}, err
		}
		return v, nil

	case "fault":
		if err := p.expectStart("value"); err != nil {
			return Value{}, err
		}
		v, err := p.value()
		if err != nil {
			return Value{}, err
		}
		if v.Kind != KindStruct {
			return Value{}, fmt.Errorf("fault value is not a struct")
		}
		code := v.Struct["faultCode"]
		msg := v.Struct["faultString"]
		return Value{}, &Fault{Code: code.Int, Message: msg.Str}

	default:
		return Value{}, fmt.Errorf("unexpected element <%s> in response", start.Name.Local)
	}
}
