package crpc

// Every request is a RequestHeader followed by the CBOR request document.
// Every response is a ResponseHeader followed, unless Err is set, by the CBOR response document.

type RequestHeader struct {
	Seq      uint64 `cbor:"1,keyasint,omitempty"`
	Endpoint string `cbor:"2,keyasint,omitempty"`
}

type ResponseHeader struct {
	Seq uint64 `cbor:"1,keyasint,omitempty"`
	Err string `cbor:"2,keyasint,omitempty"`
}
