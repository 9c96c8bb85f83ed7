package gbx

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Every value kind must survive an encode-then-decode round trip.
func TestValueRoundTrip(t *testing.T) {
	tests := []struct {
		name  string
		value Value
	}{
		{"int", Int(42)},
		{"negative int", Int(-17)},
		{"double", Double(3.141592653589793)},
		{"double many digits", Double(123456.789012345)},
		{"small double", Double(0.000123456789012345)},
		{"bool true", Bool(true)},
		{"bool false", Bool(false)},
		{"string", String("hello world")},
		{"string escapes", String(`<&>"'`)},
		{"empty string", String("")},
		{"base64", Base64([]byte{0x00, 0x01, 0xfe, 0xff})},
		{"datetime", DateTime(time.Date(2020, 5, 4, 13, 37, 0, 0, time.UTC))},
		{"array", Array(Int(1), String("two"), Bool(true))},
		{"empty array", Array()},
		{"struct", Struct(map[string]Value{
			"Login":    String("abc"),
			"PlayerId": Int(250),
			"Ratio":    Double(0.5),
		})},
		{"nested", Array(
			Struct(map[string]Value{
				"Inner": Array(Int(1), Int(2)),
			}),
		)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := EncodeCall(Call{Method: "Echo", Args: []Value{tt.value}})
			call, err := DecodeCall(payload)
			require.NoError(t, err)
			require.Len(t, call.Args, 1)
			assert.Equal(t, tt.value, call.Args[0])
		})
	}
}

// Doubles must preserve at least 15 significant digits.
func TestDoublePrecision(t *testing.T) {
	values := []float64{
		0.123456789012345,
		987654.321098765,
		1e-10,
		1.7976931348623157e308,
	}
	for _, f := range values {
		payload := EncodeCall(Call{Method: "Echo", Args: []Value{Double(f)}})
		call, err := DecodeCall(payload)
		require.NoError(t, err)
		assert.Equal(t, f, call.Args[0].Double)
	}
}

func TestDecodeResponseInt(t *testing.T) {
	payload := []byte(`<?xml version="1.0"?>
		<methodResponse>
			<params><param><value><int>42</int></value></param></params>
		</methodResponse>`)
	v, err := DecodeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, Int(42), v)
}

// <i4> and <int> are interchangeable on input; output uses <int>.
func TestIntAliases(t *testing.T) {
	payload := []byte(`<methodResponse><params><param><value><i4>7</i4></value></param></params></methodResponse>`)
	v, err := DecodeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, Int(7), v)

	encoded := string(EncodeCall(Call{Method: "M", Args: []Value{Int(7)}}))
	assert.Contains(t, encoded, "<int>7</int>")
	assert.NotContains(t, encoded, "<i4>")
}

// A bare <value>text</value> without a type element is a string.
func TestBareValueIsString(t *testing.T) {
	payload := []byte(`<methodResponse><params><param><value>plain text</value></param></params></methodResponse>`)
	v, err := DecodeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, String("plain text"), v)

	payload = []byte(`<methodResponse><params><param><value></value></param></params></methodResponse>`)
	v, err = DecodeResponse(payload)
	require.NoError(t, err)
	assert.Equal(t, String(""), v)
}

func TestDecodeFault(t *testing.T) {
	payload := []byte(`<methodResponse><fault><value><struct>
		<member><name>faultCode</name><value><int>-1000</int></value></member>
		<member><name>faultString</name><value><string>Not in script mode.</string></value></member>
	</struct></value></fault></methodResponse>`)
	_, err := DecodeResponse(payload)
	require.Error(t, err)

	fault, ok := err.(*Fault)
	require.True(t, ok, "expected *Fault, got %T", err)
	assert.Equal(t, -1000, fault.Code)
	assert.Equal(t, "Not in script mode.", fault.Message)
}

// Whitespace between elements is tolerated; structural errors are not.
func TestDecodeStrictness(t *testing.T) {
	lenient := []byte("<methodResponse>\n\t<params>\n\t\t<param>\n\t\t\t<value>\n\t\t\t\t<boolean>1</boolean>\n\t\t\t</value>\n\t\t</param>\n\t</params>\n</methodResponse>")
	v, err := DecodeResponse(lenient)
	require.NoError(t, err)
	assert.Equal(t, Bool(true), v)

	broken := [][]byte{
		[]byte(`<methodResponse><params><param></param></params></methodResponse>`),
		[]byte(`<methodResponse><params><param><value><int>nan</int></value></param></params></methodResponse>`),
		[]byte(`<notxmlrpc/>`),
		[]byte(`<methodResponse><params><param><value><int>1</int>`),
	}
	for _, payload := range broken {
		_, err := DecodeResponse(payload)
		if fault, ok := err.(*Fault); ok {
			t.Fatalf("payload %q decoded as fault %v", payload, fault)
		}
		assert.Error(t, err, "payload %q", payload)
	}
}

func TestDecodeCallbackCall(t *testing.T) {
	payload := []byte(`<?xml version="1.0"?>
		<methodCall>
			<methodName>ManiaPlanet.PlayerDisconnect</methodName>
			<params>
				<param><value><string>abc</string></value></param>
				<param><value><string>quit</string></value></param>
			</params>
		</methodCall>`)
	call, err := DecodeCall(payload)
	require.NoError(t, err)
	assert.Equal(t, "ManiaPlanet.PlayerDisconnect", call.Method)
	require.Len(t, call.Args, 2)
	assert.Equal(t, String("abc"), call.Args[0])
}

func TestEncodeCallShape(t *testing.T) {
	payload := string(EncodeCall(Call{
		Method: "ChatSendServerMessage",
		Args:   []Value{String("hi <all> & \"everyone\"")},
	}))
	assert.True(t, strings.HasPrefix(payload, `<?xml version="1.0"?>`))
	assert.Contains(t, payload, "<methodName>ChatSendServerMessage</methodName>")
	assert.Contains(t, payload, "hi &lt;all&gt; &amp; &#34;everyone&#34;")
}
