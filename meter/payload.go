package meter

// TemplatePayload is the fixed 34-byte frame transmitted by the send
// harness: a broadcast Ethernet header followed by a truncated IPv4
// header. The content is never parsed on the wire; only its length and
// the cost of moving it matter.
var TemplatePayload = []byte{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xf0, 0xbf,
	0x97, 0xe2, 0xff, 0xae, 0x08, 0x00, 0x45, 0x00,
	0x00, 0x54, 0xb3, 0xf9, 0x40, 0x00, 0x40, 0x11,
	0xf5, 0x32, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06,
	0x07, 0x08,
}
