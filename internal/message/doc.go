// Package message holds the request and response values that cross the
// proxy's component boundaries, together with the HTTP/1.1 wire codec used
// on the client side of the proxy.
//
// Requests are parsed from the raw connection rather than through net/http so
// that header order and duplicates survive and so the dispatcher, not the
// library, decides how malformed input is answered.
package message
