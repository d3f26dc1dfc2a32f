// USB 2.0 host controller stack
// https://github.com/apfaudio/guh
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbh

// EndpointFilter selects which endpoint directions DescriptorParser
// extracts from a matching interface.
type EndpointFilter int

const (
	FilterIn EndpointFilter = iota
	FilterOut
	FilterInAndOut
)

// InterfaceMatch narrows which interface's endpoints get extracted.
// SubClass/Protocol are pointers so "don't care" can be expressed
// without a sentinel value colliding with a legitimate 0x00.
type InterfaceMatch struct {
	Class    uint8
	SubClass *uint8
	Protocol *uint8
}

// ParseResult reports the endpoint addresses DescriptorParser extracted:
// per direction, the first matching endpoint (in descriptor order) found
// inside any interface that matched.
type ParseResult struct {
	InEndpoint  uint8
	OutEndpoint uint8
	FoundIn     bool
	FoundOut    bool
}

type parserState int

const (
	parserInit parserState = iota
	parserGetLen
	parserInDescriptor
	parserDone
)

// DescriptorParser walks a byte-at-a-time stream of a configuration
// descriptor (as forwarded by the enumerator during its GET_DESCRIPTOR
// (CONFIGURATION) control transfer) and extracts the first IN and/or
// OUT endpoint with the requested transfer type that belongs to an
// interface matching Class (and, if set, SubClass/Protocol); the two
// directions may come from different matching interfaces. It does
// not buffer the whole descriptor; PushByte consumes one byte at a
// time and the parser reports completion via Done.
type DescriptorParser struct {
	filter       EndpointFilter
	transferType uint8
	match        InterfaceMatch

	state   parserState
	bLength uint8
	offset  uint8

	descType     uint8
	ifaceClass   uint8
	ifaceSub     uint8
	ifaceProto   uint8
	inMatchIface bool

	endpAddr uint8
	endpAttr uint8

	Result ParseResult
	Done   bool
	Err    error
}

// NewDescriptorParser constructs a parser for the given endpoint
// direction filter, transfer type (EPBulk, EPInterrupt, ...) and
// interface match criteria.
func NewDescriptorParser(filter EndpointFilter, transferType uint8, match InterfaceMatch) *DescriptorParser {
	return &DescriptorParser{filter: filter, transferType: transferType, match: match, state: parserInit}
}

// Enable starts the parser; call it just as the configuration
// descriptor's first byte (bLength of the configuration header) is
// about to arrive.
func (p *DescriptorParser) Enable() {
	p.state = parserGetLen
}

func (p *DescriptorParser) wantIn() bool {
	return p.filter == FilterIn || p.filter == FilterInAndOut
}

func (p *DescriptorParser) wantOut() bool {
	return p.filter == FilterOut || p.filter == FilterInAndOut
}

// PushByte feeds the next byte of the descriptor stream. It is a no-op
// once Done or Err is set, or before Enable has been called.
func (p *DescriptorParser) PushByte(b uint8) {
	if p.state == parserInit || p.state == parserDone || p.Err != nil {
		return
	}

	switch p.state {
	case parserGetLen:
		if b < 2 {
			p.Err = ErrUnsupportedDescriptor
			p.state = parserDone
			return
		}
		p.bLength = b
		p.offset = 0
		p.state = parserInDescriptor

	case parserInDescriptor:
		switch p.offset {
		case 0:
			p.descType = b
		case 1:
			if p.descType == DescEndpoint {
				p.endpAddr = b
			}
		case 2:
			if p.descType == DescEndpoint {
				p.endpAttr = b
			}
		case 4:
			if p.descType == DescInterface {
				p.ifaceClass = b
			}
		case 5:
			if p.descType == DescInterface && p.match.SubClass != nil {
				p.ifaceSub = b
			}
		case 6:
			if p.descType == DescInterface && p.match.Protocol != nil {
				p.ifaceProto = b
			}
		}

		if p.offset == p.bLength-2 {
			p.endOfDescriptor()
		} else {
			p.offset++
		}
	}
}

func (p *DescriptorParser) endOfDescriptor() {
	switch p.descType {
	case DescInterface:
		match := p.ifaceClass == p.match.Class
		if p.match.SubClass != nil {
			match = match && p.ifaceSub == *p.match.SubClass
		}
		if p.match.Protocol != nil {
			match = match && p.ifaceProto == *p.match.Protocol
		}
		p.inMatchIface = match

	case DescEndpoint:
		if p.inMatchIface {
			typeMatch := (p.endpAttr & 0x03) == p.transferType
			isIn := p.endpAddr&0x80 != 0

			if p.wantIn() && typeMatch && isIn && !p.Result.FoundIn {
				p.Result.InEndpoint = p.endpAddr
				p.Result.FoundIn = true
			}
			if p.wantOut() && typeMatch && !isIn && !p.Result.FoundOut {
				p.Result.OutEndpoint = p.endpAddr
				p.Result.FoundOut = true
			}
		}
	}

	allFound := true
	if p.wantIn() {
		allFound = allFound && p.Result.FoundIn
	}
	if p.wantOut() {
		allFound = allFound && p.Result.FoundOut
	}

	if allFound {
		p.Done = true
		p.state = parserDone
		return
	}
	p.state = parserGetLen
}
