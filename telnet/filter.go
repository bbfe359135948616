// Package telnet scrubs Telnet negotiation out of a TL1 byte stream. Network
// elements that speak TL1 over a Telnet port interleave IAC option
// negotiation with the ASCII payload; everything above the transport expects
// clean lines.
package telnet

// Telnet command bytes (RFC 854).
const (
	IAC  byte = 255
	DONT byte = 254
	DO   byte = 253
	WONT byte = 252
	WILL byte = 251
	SB   byte = 250
	GA   byte = 249
	NOP  byte = 241
	SE   byte = 240
)

// Option codes seen from TL1 gateways.
const (
	OptEcho byte = 1
	OptSGA  byte = 3
)

type parserState uint8

const (
	stateData parserState = iota
	stateIAC
	stateOption
	stateSub
	stateSubIAC
)

// Parser strips IAC sequences from a stream of reads. Unlike Filter it keeps
// state between Feed calls, so a negotiation split across two reads is still
// removed. It is not safe for concurrent use.
type Parser struct {
	state parserState
	verb  byte
}

// Purpose: Strip telnet IAC sequences and collect refusal replies.
// Key aspects: Carries partial sequences across calls; DO/WILL are refused
// with WONT/DONT so the peer stays in plain NVT mode.
// Upstream: transport line reader (native telnet backend), Filter.
// Downstream: None.
func (p *Parser) Feed(input []byte) (output []byte, replies [][]byte) {
	output = make([]byte, 0, len(input))
	for _, b := range input {
		switch p.state {
		case stateData:
			if b == IAC {
				p.state = stateIAC
				continue
			}
			output = append(output, b)
		case stateIAC:
			switch b {
			case IAC:
				output = append(output, IAC)
				p.state = stateData
			case DO, DONT, WILL, WONT:
				p.verb = b
				p.state = stateOption
			case SB:
				p.state = stateSub
			default:
				// Two-byte commands (NOP, GA, AYT, ...) carry no payload.
				p.state = stateData
			}
		case stateOption:
			switch p.verb {
			case DO:
				replies = append(replies, []byte{IAC, WONT, b})
			case WILL:
				replies = append(replies, []byte{IAC, DONT, b})
			}
			p.state = stateData
		case stateSub:
			if b == IAC {
				p.state = stateSubIAC
			}
		case stateSubIAC:
			if b == SE {
				p.state = stateData
			} else {
				p.state = stateSub
			}
		}
	}
	return output, replies
}

// Reset drops any partially consumed sequence.
func (p *Parser) Reset() {
	p.state = stateData
	p.verb = 0
}

// Filter returns buf with Telnet negotiation removed: IAC DO/DONT/WILL/WONT
// triplets and subnegotiation blocks disappear, IAC IAC collapses to a single
// 0xFF data byte, and payload bytes keep their order. A sequence cut off by
// the end of buf is dropped. Filter is pure; buf is never modified.
func Filter(buf []byte) []byte {
	if !containsIAC(buf) {
		out := make([]byte, len(buf))
		copy(out, buf)
		return out
	}
	var p Parser
	out, _ := p.Feed(buf)
	return out
}

func containsIAC(buf []byte) bool {
	for _, b := range buf {
		if b == IAC {
			return true
		}
	}
	return false
}
