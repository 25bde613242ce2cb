package media

import (
	"fmt"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
)

// Configuration of the WebRTC engine.
type Config struct {
	// STUN/TURN servers used for connectivity.
	ICEServers []string `yaml:"iceServers"`
}

// ConnectionFactory constructs pre-configured peer connections: one shared API
// instance carries the codec and interceptor setup for every call this client
// makes.
type ConnectionFactory struct {
	api    *webrtc.API
	config Config
}

func NewConnectionFactory(config Config) (*ConnectionFactory, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// The user configurable RTP/RTCP pipeline. This provides NACKs, RTCP
	// reports and other features. When the API is managed manually, one must
	// create an InterceptorRegistry explicitly.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	return &ConnectionFactory{api: api, config: config}, nil
}

// CreatePeerConnection creates a peer connection with the configured API.
func (f *ConnectionFactory) CreatePeerConnection() (*webrtc.PeerConnection, error) {
	iceServers := make([]webrtc.ICEServer, 0, len(f.config.ICEServers))
	for _, url := range f.config.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	return f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
}
