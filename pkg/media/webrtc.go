/*
Copyright 2023 The Matrix.org Foundation C.I.C.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package media

import (
	"errors"
	"io"
	"sync"
	"time"

	"github.com/matrix-org/callflow/pkg/channel"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotInitialized           = errors.New("media session is not initialized")
	ErrCantCreatePeerConnection = errors.New("can't create peer connection")
)

const (
	// How often to ask the remote side for a keyframe on video tracks.
	keyFrameInterval = 3 * time.Second
	// After which period of track silence the session is considered stalled.
	trackStallTimeout = 15 * time.Second
)

// WebRTCSession implements the media session contract on top of a pion peer
// connection. The session gets information about the expected call via
// `SyncState` and informs the coordinator about the things happening inside
// by posting messages to the sink.
type WebRTCSession struct {
	factory *ConnectionFactory
	sink    *channel.SinkWithSender[channel.Source, MessageContent]
	logger  *logrus.Entry

	mutex          sync.Mutex
	initialized    bool
	expected       Snapshot
	peerConnection *webrtc.PeerConnection
	watchers       []*liveness
}

func NewWebRTCSession(
	factory *ConnectionFactory,
	sink *channel.SinkWithSender[channel.Source, MessageContent],
	logger *logrus.Entry,
) *WebRTCSession {
	return &WebRTCSession{
		factory: factory,
		sink:    sink,
		logger:  logger,
	}
}

// Initialize marks the session ready to negotiate. Called once per process
// lifetime; calling it again is a no-op.
func (s *WebRTCSession) Initialize() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.initialized = true
	return nil
}

// SyncState hands the session the expected call. The first snapshot carrying a
// call ID starts the negotiation for that call.
func (s *WebRTCSession) SyncState(snapshot Snapshot) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.expected = snapshot

	if !s.initialized {
		s.logger.Error("SyncState before Initialize, ignoring")
		return
	}

	if snapshot.CallID != "" && s.peerConnection == nil {
		if err := s.startNegotiation(snapshot); err != nil {
			s.logger.WithError(err).Error("failed to start media negotiation")
		}
	}
}

// Close tears the peer connection down. Safe to call multiple times; no
// messages are sent from the session afterwards.
func (s *WebRTCSession) Close() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	for _, watcher := range s.watchers {
		watcher.Stop()
	}
	s.watchers = nil

	if s.peerConnection != nil {
		if err := s.peerConnection.Close(); err != nil {
			s.logger.WithError(err).Error("failed to close peer connection")
		}
		s.peerConnection = nil
	}

	s.expected = Snapshot{}
}

// Called with the mutex held.
func (s *WebRTCSession) startNegotiation(snapshot Snapshot) error {
	peerConnection, err := s.factory.CreatePeerConnection()
	if err != nil {
		s.logger.WithError(err).Error("failed to create peer connection")
		return ErrCantCreatePeerConnection
	}

	callID := snapshot.CallID
	logger := s.logger.WithField("call_id", callID)

	peerConnection.OnTrack(func(remoteTrack *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		s.onTrackReceived(peerConnection, remoteTrack, callID, logger)
	})

	peerConnection.OnConnectionStateChange(func(connectionState webrtc.PeerConnectionState) {
		logger.Infof("connection state changed: %v", connectionState)

		switch connectionState {
		case webrtc.PeerConnectionStateConnected:
			s.sink.Send(Connected{CallID: callID})
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateClosed:
			s.sink.Send(Disconnected{CallID: callID, Reason: connectionState.String()})
		}
	})

	// The sender side kicks ICE off right away; the receiver waits for the
	// inbound offer that the engine delivers out of band.
	if snapshot.Role == "sender" {
		if _, err := peerConnection.CreateDataChannel("callflow", nil); err != nil {
			logger.WithError(err).Error("failed to create data channel")
		}

		offer, err := peerConnection.CreateOffer(nil)
		if err != nil {
			logger.WithError(err).Error("failed to create offer")
		} else if err := peerConnection.SetLocalDescription(offer); err != nil {
			logger.WithError(err).Error("failed to set local description")
		}
	}

	s.peerConnection = peerConnection
	return nil
}

// A callback that is called once we receive the first RTP packets from a
// remote track. Reads the track until it ends, watching its liveness and
// periodically requesting keyframes for video.
func (s *WebRTCSession) onTrackReceived(
	peerConnection *webrtc.PeerConnection,
	remoteTrack *webrtc.TrackRemote,
	callID string,
	logger *logrus.Entry,
) {
	logger = logger.WithField("track_id", remoteTrack.ID())
	logger.Info("remote track received")

	watcher := startLiveness(trackStallTimeout, func() {
		logger.Warn("remote track stalled")
		s.sink.Send(Disconnected{CallID: callID, Reason: "stalled"})
	})

	s.mutex.Lock()
	s.watchers = append(s.watchers, watcher)
	s.mutex.Unlock()

	if remoteTrack.Kind() == webrtc.RTPCodecTypeVideo {
		go s.requestKeyFrames(peerConnection, remoteTrack, logger)
	}

	go func() {
		defer watcher.Stop()

		var previous *rtp.Packet

		for {
			packet, _, readErr := remoteTrack.ReadRTP()
			if readErr != nil {
				if readErr == io.EOF { // finished, no more data
					logger.Info("remote track closed")
				} else {
					logger.WithError(readErr).Error("failed to read from remote track")
				}
				return
			}

			watcher.Pet()

			// Plain gap detection; the interceptors take care of the NACKs.
			if sequenceGap(previous, packet) {
				logger.WithFields(logrus.Fields{
					"expected": previous.SequenceNumber + 1,
					"got":      packet.SequenceNumber,
				}).Debug("sequence gap on remote track")
			}

			previous = packet
		}
	}()
}

// Reports whether the current packet does not directly follow the previous
// one. Sequence numbers wrap in the 16-bit space, so the comparison relies
// on unsigned overflow rather than ordering.
func sequenceGap(previous, current *rtp.Packet) bool {
	if previous == nil {
		return false
	}

	return current.SequenceNumber != previous.SequenceNumber+1
}

func (s *WebRTCSession) requestKeyFrames(
	peerConnection *webrtc.PeerConnection,
	remoteTrack *webrtc.TrackRemote,
	logger *logrus.Entry,
) {
	ticker := time.NewTicker(keyFrameInterval)
	defer ticker.Stop()

	for range ticker.C {
		packets := []rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remoteTrack.SSRC())},
		}

		if err := peerConnection.WriteRTCP(packets); err != nil {
			logger.WithError(err).Debug("failed to request keyframe, stopping")
			return
		}
	}
}
