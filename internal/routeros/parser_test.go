package routeros

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const secretsOutput = `Flags: X - disabled
 0   ;;; Added via dashboard - 2024-03-01 10:00:00
     name="lee" service=any caller-id="" password="s3cr3t!" profile=vpn_matriz
     local-address=0.0.0.0 remote-address=10.0.11.10 routes="" limit-bytes-in=0
     limit-bytes-out=0 last-logged-out=jan/02/1970 00:00:00

 1 X name="diego" service=any caller-id="" password="x y z" profile=vpn_escritorio
     remote-address=10.0.21.11 routes=""

`

const natOutput = `Flags: X - disabled, I - invalid, D - dynamic
 0    ;;; Windows Server - 3389/TCP - Dashboard 2024-03-01 10:00:00
      chain=dstnat action=dst-nat to-addresses=10.0.10.4 to-ports=3389
      protocol=tcp dst-port=3389 log=no log-prefix=""

 1 X  ;;; Docker Server - 8080/TCP
      chain=dstnat action=dst-nat to-addresses=10.0.10.5 to-ports=8080
      protocol=tcp dst-port=8080 log=no log-prefix=""
`

func TestParseRecords(t *testing.T) {
	t.Run("should return no records for an empty reply", func(t *testing.T) {
		assert.Empty(t, ParseRecords(""))
		assert.Empty(t, ParseRecords("\n\n"))
		assert.Empty(t, ParseRecords("Flags: X - disabled\n"))
	})

	t.Run("should merge marker and continuation lines", func(t *testing.T) {
		records := ParseRecords(secretsOutput)
		require.Len(t, records, 2)

		lee := records[0]
		assert.Equal(t, "0", lee.ID)
		assert.Equal(t, StatusActive, lee.Status)
		assert.Equal(t, "lee", lee.Get("name"))
		assert.Equal(t, "s3cr3t!", lee.Get("password"))
		assert.Equal(t, "10.0.11.10", lee.Get("remote-address"))
		assert.Equal(t, "10.0.11.10", lee.Get("remote_address"))
		assert.Equal(t, "vpn_matriz", lee.Get("profile"))
		assert.Equal(t, "", lee.Get("caller-id"))
		assert.Equal(t, "jan/02/1970 00:00:00", lee.Get("last-logged-out"))
		assert.Equal(t, "Added via dashboard - 2024-03-01 10:00:00", lee.Comment)
		assert.Equal(t, lee.Comment, lee.Get("comment"))
	})

	t.Run("should derive disabled status from the X flag", func(t *testing.T) {
		records := ParseRecords(secretsOutput)
		require.Len(t, records, 2)

		diego := records[1]
		assert.Equal(t, "1", diego.ID)
		assert.Equal(t, "X", diego.Flags)
		assert.True(t, diego.Disabled())
		assert.Equal(t, "x y z", diego.Get("password"))
		assert.Equal(t, "10.0.21.11", diego.Get("remote-address"))
	})

	t.Run("should parse nat rules with comments on the marker line", func(t *testing.T) {
		records := ParseRecords(natOutput)
		require.Len(t, records, 2)

		assert.Equal(t, "0", records[0].ID)
		assert.Equal(t, StatusActive, records[0].Status)
		assert.Equal(t, "Windows Server - 3389/TCP - Dashboard 2024-03-01 10:00:00", records[0].Comment)
		assert.Equal(t, "3389", records[0].Get("dst-port"))
		assert.Equal(t, "10.0.10.4", records[0].Get("to-addresses"))
		assert.Equal(t, "tcp", records[0].Get("protocol"))

		assert.Equal(t, StatusDisabled, records[1].Status)
		assert.Equal(t, "Docker Server - 8080/TCP", records[1].Comment)
		assert.Equal(t, "8080", records[1].Get("dst_port"))
	})

	t.Run("should split records on a new marker without a blank line", func(t *testing.T) {
		text := " 0 name=\"a\" remote-address=10.0.11.10\n 1 name=\"b\" remote-address=10.0.11.11\n"
		records := ParseRecords(text)
		require.Len(t, records, 2)
		assert.Equal(t, "a", records[0].Get("name"))
		assert.Equal(t, "b", records[1].Get("name"))
	})

	t.Run("should parse active sessions with internal ids", func(t *testing.T) {
		text := " *8A   name=\"lee\" service=l2tp caller-id=\"203.0.113.7\" address=10.0.11.10 uptime=1h2m3s \n\n"
		records := ParseRecords(text)
		require.Len(t, records, 1)
		assert.Equal(t, "*8A", records[0].ID)
		assert.Equal(t, "10.0.11.10", records[0].Get("address"))
		assert.Equal(t, "1h2m3s", records[0].Get("uptime"))
	})

	t.Run("should accept blocks without an index", func(t *testing.T) {
		text := "X name=\"old\" profile=vpn_matriz\n\nname=\"new\" profile=vpn_matriz\n"
		records := ParseRecords(text)
		require.Len(t, records, 2)
		assert.True(t, records[0].Disabled())
		assert.Equal(t, "old", records[0].Get("name"))
		assert.Equal(t, StatusActive, records[1].Status)
	})

	t.Run("should unescape quoted values", func(t *testing.T) {
		records := ParseRecords(` 0 name="a \"quoted\" name" comment="cost \$5"`)
		require.Len(t, records, 1)
		assert.Equal(t, `a "quoted" name`, records[0].Get("name"))
		assert.Equal(t, `cost $5`, records[0].Get("comment"))
	})
}

func TestParseProperties(t *testing.T) {
	t.Run("should parse colon separated listings", func(t *testing.T) {
		props := ParseProperties(`                   uptime: 3w2d4h
                  version: 6.49.10 (long-term)
                 cpu-load: 4%
              free-memory: 201.3MiB
`)
		assert.Equal(t, "3w2d4h", props["uptime"])
		assert.Equal(t, "6.49.10 (long-term)", props["version"])
		assert.Equal(t, "4%", props["cpu-load"])
		assert.Equal(t, "201.3MiB", props["free-memory"])
	})

	t.Run("should parse identity output", func(t *testing.T) {
		props := ParseProperties("  name: core-router\n")
		assert.Equal(t, "core-router", props["name"])
	})
}

func TestQuote(t *testing.T) {
	t.Run("should escape quotes, backslashes and dollar signs", func(t *testing.T) {
		assert.Equal(t, `"plain"`, Quote("plain"))
		assert.Equal(t, `"a\"b"`, Quote(`a"b`))
		assert.Equal(t, `"a\\b"`, Quote(`a\b`))
		assert.Equal(t, `"\$HOME"`, Quote(`$HOME`))
	})

	t.Run("should round trip through the parser", func(t *testing.T) {
		value := `we"ird $value\`
		records := ParseRecords(" 0 comment=" + Quote(value))
		require.Len(t, records, 1)
		assert.Equal(t, value, records[0].Get("comment"))
	})
}
