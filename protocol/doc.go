package protocol

// This package implements encoding and decoding of the frames LightCache
// clients and servers exchange. Nothing in here does I/O, reading exact byte
// counts off a connection is the job of the stream package.
//
// The protocol is binary and length prefixed. There are no delimiters,
// boundaries come purely from the lengths declared in the headers.
//
// - `Request` - a frame sent by the client.
// - `Response` - the frame the server sends back for every request.
// - `Setting` - a named server tunable carried as an unsigned 64 bit integer.
//
// === Requests
//
//   ```
//   | opcode (1) | key_length (1) | reserved (2) | data_length (4) | extra_length (4) |
//   | key | data | extra |
//   ```
//
// Lengths are in network byte order. The key, data and extra sections are
// concatenated straight after the 12 byte header.
//
// The server rejects a frame whose key is MaxKeySize bytes or longer, or
// whose sections add up to more than MaxDataSize, with InvalidParamSize. The
// connection stays usable afterwards.
//
// === Responses
//
//   ```
//   | opcode (1) | error_code (1) | reserved (2) | payload_length (4) |
//   | payload |
//   ```
//
// The opcode echoes the request. The payload is opaque here, what it means
// depends on the command:
//
// - GET - the raw value
// - GET_SETTING - the setting as an 8 byte big endian integer
// - GET_STATS - `name:value` lines separated by `\r\n`
// - everything else - empty
//
// === Numbers inside requests
//
// The SET ttl (in `extra`) and the CHG_SETTING value (in `data`) are ASCII
// decimal, e.g.
//
//   ```
//   > CHG_SETTING key="idle_conn_timeout" data="2"
//   < CHG_SETTING Success
//   ```
//
// Zero, anything that is not a decimal number and anything that does not
// fit in 64 bits is answered with InvalidParam.
//
// === Error codes
//
// Error codes are not fatal. A client that receives one can carry on using
// the connection.
//
// TODO(rolly) OUT_OF_MEMORY shows up in old clients without a value the
// server agrees on. Unknown codes are passed through as ErrorCode until it
// is settled.
