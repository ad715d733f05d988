// Package bridge turns HTTP requests into MQTT operations.
//
// A request is parsed (Parser) into a Request of Batches, each Batch a
// broker Target plus the Actions to run on it. Payloads are decoded at
// parse time, so nothing after parsing can fail on input.
//
// The Engine executes a Request:
//   - publish: batches in order, actions in order, fail-fast with the
//     global index of the failing action
//   - subscribe: one exact topic, the first message wins, bounded by a
//     timeout
//
// Connections are pooled by Target and shared between concurrent requests.
// Every failure is an *Error carrying a Kind that the HTTP layer maps onto
// a status code.
package bridge
