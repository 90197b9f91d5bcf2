package lightning

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Millisatoshi is an amount in thousandths of a satoshi.
type Millisatoshi uint64

var satoshiPattern = regexp.MustCompile(`^([0-9]+) sat$`)

const expectedAmount = `expected integer number of satoshis, including unit, e.g. "1000 sat"`

// FromSatoshis converts a whole number of satoshis.
func FromSatoshis(sats uint64) Millisatoshi {
	return Millisatoshi(sats * 1000)
}

// ParseMillisatoshi parses amounts of the form "<n> sat".
func ParseMillisatoshi(s string) (Millisatoshi, error) {
	m := satoshiPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid value: string %q, %s", s, expectedAmount)
	}
	sats, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil || sats > math.MaxUint64/1000 {
		return 0, fmt.Errorf("invalid value: string %q, amount out of range", s)
	}
	return FromSatoshis(sats), nil
}

// Value returns the raw millisatoshi count.
func (m Millisatoshi) Value() uint64 {
	return uint64(m)
}

// String renders the amount in satoshis, e.g. "1,000.5 satoshis".
func (m Millisatoshi) String() string {
	sats := uint64(m) / 1000
	rem := uint64(m) % 1000

	var b strings.Builder
	b.WriteString(humanize.Comma(int64(sats)))
	if rem > 0 {
		b.WriteByte('.')
		b.WriteString(strings.TrimRight(fmt.Sprintf("%03d", rem), "0"))
	}
	if m == 1000 {
		b.WriteString(" satoshi")
	} else {
		b.WriteString(" satoshis")
	}
	return b.String()
}

// UnmarshalYAML accepts only string scalars in the "<n> sat" form.
func (m *Millisatoshi) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode || node.ShortTag() != "!!str" {
		return fmt.Errorf("invalid type: %s, expected a string, e.g. \"1000 sat\"", describeNode(node))
	}
	v, err := ParseMillisatoshi(node.Value)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func describeNode(node *yaml.Node) string {
	switch node.Kind {
	case yaml.MappingNode:
		return "map"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.AliasNode:
		return "alias"
	}
	switch node.ShortTag() {
	case "!!int":
		return fmt.Sprintf("integer `%s`", node.Value)
	case "!!float":
		return fmt.Sprintf("floating point `%s`", node.Value)
	case "!!bool":
		return fmt.Sprintf("boolean `%s`", node.Value)
	case "!!null":
		return "unit value"
	}
	return fmt.Sprintf("scalar `%s`", node.Value)
}
