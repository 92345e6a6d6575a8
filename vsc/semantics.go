package vsc

// Semantics tells how a counter's value behaves over time.
type Semantics int

const (
	Unknown Semantics = iota
	Bitmap
	Counter
	Gauge
)

// SemanticsOf maps the producer's semantics code. Only 'b', 'c' and 'g'
// carry a meaning; every other byte is Unknown.
func SemanticsOf(code byte) Semantics {
	switch code {
	case 'b':
		return Bitmap
	case 'c':
		return Counter
	case 'g':
		return Gauge
	default:
		return Unknown
	}
}

func (s Semantics) String() string {
	switch s {
	case Bitmap:
		return "bitmap"
	case Counter:
		return "counter"
	case Gauge:
		return "gauge"
	default:
		return "unknown"
	}
}

func semanticsCode(typ string) byte {
	switch typ {
	case "counter":
		return 'c'
	case "gauge":
		return 'g'
	case "bitmap":
		return 'b'
	default:
		return '?'
	}
}

func formatCode(format string) byte {
	switch format {
	case "integer":
		return 'i'
	case "bytes":
		return 'B'
	case "bitmap":
		return 'b'
	case "duration":
		return 'd'
	default:
		return '?'
	}
}
