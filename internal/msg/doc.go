// Package msg encodes and decodes Mach IPC messages.
//
// A message is a 24-byte header followed by typed fields, each a
// descriptor plus payload. Descriptors come in two forms: the short
// form packs type name, element size and element count into one word;
// the long form spells them out explicitly for payloads whose shape is
// only known at run time. The layout reproduces the mach_msg ABI
// bit-exactly, in native byte order.
//
// Builder writes a message front to back and back-patches the total
// length into the header on Finish. Reader walks a reply buffer with a
// caller-declared shape: the reply layout for a given message id is
// fixed by convention between the endpoints, not self-describing, so
// the caller states what it expects and gets ErrProtocolMismatch when
// the bytes disagree.
package msg
