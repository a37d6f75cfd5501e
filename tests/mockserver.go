/*
The tests package provides in-process stand-ins for the Parley backend so
that suites can exercise real network paths without an external service.
MockServer covers the plain http surface (login and other REST calls); the
server subpackage speaks the chatwire websocket protocol.
*/
package tests

import (
	"net/http"
	"net/http/httptest"
)

type MockServer struct {
	server *httptest.Server

	// Url is where the server is listening, e.g. http://127.0.0.1:53681
	Url string
}

// MockHandler pairs an endpoint with the function that should answer it
type MockHandler struct {
	Endpoint    string
	HandlerFunc func(w http.ResponseWriter, r *http.Request)
}

func NewMockServer(handlers ...MockHandler) *MockServer {
	mux := http.NewServeMux()
	for _, handler := range handlers {
		mux.HandleFunc(handler.Endpoint, handler.HandlerFunc)
	}

	server := httptest.NewServer(mux)

	return &MockServer{
		server: server,
		Url:    server.URL,
	}
}

func (m *MockServer) Close() {
	m.server.Close()
}
