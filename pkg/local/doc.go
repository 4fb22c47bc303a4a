// Package local runs the services on the operator's machine and tears the
// local run down again.
//
// A local run creates a shared network, starts the API container, waits for
// its health endpoint to answer, and only then starts the UI container that
// depends on it. Teardown is the inverse: each container is stopped and then
// removed, and the network is removed last. Every teardown step treats a
// missing object as already satisfied, so teardown can run any number of
// times with the same result.
package local
