package gateway

import (
	"context"
	"errors"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nupi-ai/voxgate/internal/auth"
	"github.com/nupi-ai/voxgate/internal/constants"
	"github.com/nupi-ai/voxgate/internal/device"
	"github.com/nupi-ai/voxgate/internal/eventbus"
	"github.com/nupi-ai/voxgate/internal/protocol"
	"github.com/nupi-ai/voxgate/internal/registry"
	"github.com/nupi-ai/voxgate/internal/speech"
)

// Accounts is the credential surface used by device connections.
type Accounts interface {
	Authenticate(ctx context.Context, username, password string) (auth.Identity, error)
	IssueToken(ctx context.Context, identity auth.Identity, deviceID string) (string, error)
	CreateUser(ctx context.Context, username, password, role string) error
	ChangePassword(ctx context.Context, username, oldPassword, newPassword string) error
}

// Devices registers devices in the config store.
type Devices interface {
	RegisterDevice(ctx context.Context, id device.Identity) (device.Config, error)
}

// Sessions is the registry surface used by device connections.
type Sessions interface {
	Attach(ctx context.Context, deviceID string, sink registry.Sink) error
	EnsureSession(ctx context.Context, deviceID string, sink registry.Sink) (*speech.Session, bool, error)
	Remove(ctx context.Context, deviceID string, sink registry.Sink)
}

// HandlerOptions wires a DeviceHandler.
type HandlerOptions struct {
	Accounts Accounts
	Devices  Devices
	Sessions Sessions
	Bus      *eventbus.Bus
	// PingInterval overrides the keepalive period.
	PingInterval time.Duration
}

// DeviceHandler serves one websocket per physical device.
type DeviceHandler struct {
	accounts     Accounts
	devices      Devices
	sessions     Sessions
	bus          *eventbus.Bus
	pingInterval time.Duration

	active sync.WaitGroup
}

// NewDeviceHandler validates opts.
func NewDeviceHandler(opts HandlerOptions) (*DeviceHandler, error) {
	if opts.Accounts == nil || opts.Devices == nil || opts.Sessions == nil {
		return nil, errors.New("gateway: accounts, devices and sessions are required")
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = constants.DeviceWSPingInterval
	}
	return &DeviceHandler{
		accounts:     opts.Accounts,
		devices:      opts.Devices,
		sessions:     opts.Sessions,
		bus:          opts.Bus,
		pingInterval: opts.PingInterval,
	}, nil
}

// deviceConn is the per-connection state. Only the read loop touches it.
type deviceConn struct {
	id            string
	remote        string
	conn          *websocket.Conn
	sink          *wsSink
	deviceID      string
	authenticated bool
}

func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		log.Printf("[Gateway] accept error from %s: %v", r.RemoteAddr, err)
		return
	}
	defer conn.CloseNow()

	h.active.Add(1)
	defer h.active.Done()

	conn.SetReadLimit(constants.DeviceWSReadLimit)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	dc := &deviceConn{
		id:     uuid.NewString(),
		remote: r.RemoteAddr,
		conn:   conn,
		sink:   &wsSink{conn: conn},
	}
	h.publishLifecycle(ctx, dc, eventbus.DeviceStateConnected, "")
	defer h.disconnect(dc)

	go h.pumpPing(ctx, cancel, conn, dc)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if !isExpectedWSClose(err) {
				log.Printf("[Gateway] read error from %s: %v", dc.label(), err)
			}
			return
		}
		h.handleFrame(ctx, dc, data)
	}
}

// disconnect releases everything the connection owned. Store failures are
// logged by the registry and never block local cleanup.
func (h *DeviceHandler) disconnect(dc *deviceConn) {
	dc.sink.close()
	if dc.deviceID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), constants.DeviceWSWriteTimeout)
		h.sessions.Remove(ctx, dc.deviceID, dc.sink)
		cancel()
		log.Printf("[Gateway] device %s disconnected", dc.deviceID)
	}
	h.publishLifecycle(context.Background(), dc, eventbus.DeviceStateDisconnected, "")
}

func (h *DeviceHandler) handleFrame(ctx context.Context, dc *deviceConn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		log.Printf("[Gateway] dropping malformed frame from %s: %v", dc.label(), err)
		h.publishFrame(ctx, dc, "malformed", eventbus.FrameRejected)
		return
	}

	switch frame.Kind {
	case protocol.FrameAuth:
		h.handleAuth(ctx, dc, frame.Auth)
	case protocol.FrameUserAction:
		h.handleUserAction(ctx, dc, frame.UserAction)
	case protocol.FrameLegacy:
		h.handleLegacy(ctx, dc, frame.Legacy)
	case protocol.FrameEvent:
		h.handleEvent(ctx, dc, frame.Event)
	}
}

func (h *DeviceHandler) handleAuth(ctx context.Context, dc *deviceConn, req *protocol.AuthRequest) {
	kind := protocol.FrameAuth.String()
	if dc.authenticated {
		log.Printf("[Gateway] ignoring repeated auth from %s", dc.label())
		h.publishFrame(ctx, dc, kind, eventbus.FrameRejected)
		return
	}

	identity, err := h.accounts.Authenticate(ctx, req.Username, req.Password)
	if err != nil {
		if !errors.Is(err, auth.ErrInvalidCredentials) {
			log.Printf("[Gateway] authenticate %q: %v", req.Username, err)
			h.reply(ctx, dc, protocol.AuthFailed{Type: protocol.TypeAuthFailed, Error: protocol.MsgTemporarilyUnavailable})
		} else {
			h.reply(ctx, dc, protocol.NewAuthFailed())
		}
		h.publishFrame(ctx, dc, kind, eventbus.FrameRejected)
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}
	token, err := h.accounts.IssueToken(ctx, identity, deviceID)
	if err != nil {
		log.Printf("[Gateway] issue token for %s: %v", deviceID, err)
		h.reply(ctx, dc, protocol.AuthFailed{Type: protocol.TypeAuthFailed, Error: protocol.MsgTemporarilyUnavailable})
		h.publishFrame(ctx, dc, kind, eventbus.FrameFailed)
		return
	}

	cfg, ok := h.bind(ctx, dc, device.Identity{DeviceID: deviceID, DeviceName: req.DeviceName})
	if !ok {
		h.reply(ctx, dc, protocol.AuthFailed{Type: protocol.TypeAuthFailed, Error: protocol.MsgTemporarilyUnavailable})
		h.publishFrame(ctx, dc, kind, eventbus.FrameFailed)
		return
	}

	log.Printf("[Gateway] device %s authenticated as %s", deviceID, identity.Username)
	h.reply(ctx, dc, protocol.NewAuthSuccess(token, deviceID, cfg))
	h.publishFrame(ctx, dc, kind, eventbus.FrameAccepted)
	h.publishLifecycle(ctx, dc, eventbus.DeviceStateAuthenticated, eventbus.AuthModeCredentials)
}

// handleLegacy accepts credential-less registration from older firmware.
// This path intentionally skips credential verification.
func (h *DeviceHandler) handleLegacy(ctx context.Context, dc *deviceConn, req *protocol.LegacyRegistration) {
	kind := protocol.FrameLegacy.String()
	if dc.authenticated {
		log.Printf("[Gateway] ignoring legacy registration on authenticated connection %s", dc.label())
		h.publishFrame(ctx, dc, kind, eventbus.FrameRejected)
		return
	}

	cfg, ok := h.bind(ctx, dc, device.Identity{DeviceID: req.DeviceID, DeviceName: req.DeviceName})
	if !ok {
		h.reply(ctx, dc, protocol.ErrorReply{Error: protocol.MsgTemporarilyUnavailable})
		h.publishFrame(ctx, dc, kind, eventbus.FrameFailed)
		return
	}

	log.Printf("[Gateway] device %s connected (legacy mode)", req.DeviceID)
	h.reply(ctx, dc, protocol.NewDeviceRegistered(req.DeviceID, cfg))
	h.publishFrame(ctx, dc, kind, eventbus.FrameAccepted)
	h.publishLifecycle(ctx, dc, eventbus.DeviceStateAuthenticated, eventbus.AuthModeLegacy)
}

// bind upserts the device record and attaches the connection to the registry.
func (h *DeviceHandler) bind(ctx context.Context, dc *deviceConn, id device.Identity) (device.Config, bool) {
	cfg, err := h.devices.RegisterDevice(ctx, id)
	if err != nil {
		log.Printf("[Gateway] register device %s: %v", id.DeviceID, err)
		return device.Config{}, false
	}
	if err := h.sessions.Attach(ctx, id.DeviceID, dc.sink); err != nil {
		log.Printf("[Gateway] attach device %s: %v", id.DeviceID, err)
		return device.Config{}, false
	}
	dc.deviceID = id.DeviceID
	dc.authenticated = true
	return cfg, true
}

func (h *DeviceHandler) handleUserAction(ctx context.Context, dc *deviceConn, action *protocol.UserAction) {
	kind := protocol.FrameUserAction.String()
	switch action.Action {
	case protocol.ActionRegister:
		err := h.accounts.CreateUser(ctx, action.Username, action.Password, constants.TokenRoleDeviceUser)
		h.reply(ctx, dc, protocol.NewRegisterResult(err == nil, registerMessage(err)))
		h.publishFrame(ctx, dc, kind, outcomeOf(err))
	case protocol.ActionChangePassword:
		err := h.accounts.ChangePassword(ctx, action.Username, action.OldPassword, action.NewPassword)
		h.reply(ctx, dc, protocol.NewPasswordChangeResult(err == nil, passwordChangeMessage(err)))
		h.publishFrame(ctx, dc, kind, outcomeOf(err))
	default:
		log.Printf("[Gateway] unknown user action %q from %s", action.Action, dc.label())
		h.reply(ctx, dc, protocol.ErrorReply{Error: protocol.MsgUnknownUserAction})
		h.publishFrame(ctx, dc, kind, eventbus.FrameRejected)
	}
}

func registerMessage(err error) string {
	switch {
	case err == nil:
		return protocol.MsgUserCreated
	case errors.Is(err, auth.ErrMissingFields):
		return protocol.MsgUsernamePasswordReq
	case errors.Is(err, auth.ErrPasswordTooShort):
		return protocol.MsgPasswordTooShort
	case errors.Is(err, auth.ErrUserExists), errors.Is(err, auth.ErrInvalidRole):
		return protocol.MsgUserExists
	default:
		log.Printf("[Gateway] register user: %v", err)
		return protocol.MsgTemporarilyUnavailable
	}
}

func passwordChangeMessage(err error) string {
	switch {
	case err == nil:
		return protocol.MsgPasswordChanged
	case errors.Is(err, auth.ErrMissingFields):
		return protocol.MsgPasswordChangeFields
	case errors.Is(err, auth.ErrPasswordTooShort):
		return protocol.MsgPasswordTooShort
	case errors.Is(err, auth.ErrInvalidCredentials):
		return protocol.MsgPasswordChangeFailed
	default:
		log.Printf("[Gateway] change password: %v", err)
		return protocol.MsgTemporarilyUnavailable
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return eventbus.FrameRejected
	}
	return eventbus.FrameAccepted
}

func (h *DeviceHandler) handleEvent(ctx context.Context, dc *deviceConn, evt *protocol.Event) {
	if !dc.authenticated {
		h.reply(ctx, dc, protocol.ErrorReply{Error: protocol.MsgNotAuthenticated})
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameRejected)
		return
	}

	sess, _, err := h.sessions.EnsureSession(ctx, dc.deviceID, dc.sink)
	if errors.Is(err, registry.ErrReplaced) {
		log.Printf("[Gateway] %s was replaced by a newer connection, closing", dc.label())
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameRejected)
		dc.authenticated = false
		dc.conn.Close(websocket.StatusPolicyViolation, protocol.MsgConnectionReplaced)
		return
	}
	if err != nil {
		log.Printf("[Gateway] device %s: session unavailable: %v", dc.deviceID, err)
		h.reply(ctx, dc, protocol.NewSessionError(dc.deviceID, protocol.MsgTemporarilyUnavailable))
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameFailed)
		return
	}

	// Audio only flows inside an open audio block; anything earlier is
	// dropped without reaching upstream.
	if evt.Name == protocol.EventAudioInput && sess.Phase() != speech.PhaseAudioOpen {
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameDropped)
		return
	}

	err = sess.Dispatch(ctx, evt)
	var violation *protocol.ViolationError
	switch {
	case err == nil:
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameAccepted)
	case errors.As(err, &violation):
		log.Printf("[Gateway] device %s: dropping %s: %v", dc.deviceID, evt.Name, err)
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameRejected)
	default:
		log.Printf("[Gateway] device %s: %s: %v", dc.deviceID, evt.Name, err)
		h.publishFrame(ctx, dc, evt.Name, eventbus.FrameFailed)
	}
}

func (h *DeviceHandler) reply(ctx context.Context, dc *deviceConn, v any) {
	data, err := protocol.Encode(v)
	if err != nil {
		log.Printf("[Gateway] encode reply for %s: %v", dc.label(), err)
		return
	}
	if err := dc.sink.WriteFrame(ctx, data); err != nil {
		log.Printf("[Gateway] write reply to %s: %v", dc.label(), err)
	}
}

// pumpPing sends periodic WebSocket pings to detect dead connections on
// networks where NAT gateways drop idle connections.
func (h *DeviceHandler) pumpPing(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, dc *deviceConn) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, constants.DeviceWSPingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if !isExpectedWSClose(err) {
					log.Printf("[Gateway] ping failed for %s: %v", dc.remote, err)
				}
				cancel()
				return
			}
		}
	}
}

func (h *DeviceHandler) publishFrame(ctx context.Context, dc *deviceConn, kind, outcome string) {
	eventbus.Publish(ctx, h.bus, eventbus.Gateway.Frames, eventbus.SourceGateway, eventbus.FrameEvent{
		DeviceID: dc.deviceID,
		Kind:     kind,
		Outcome:  outcome,
	})
}

func (h *DeviceHandler) publishLifecycle(ctx context.Context, dc *deviceConn, state eventbus.DeviceState, mode string) {
	eventbus.PublishWithOpts(ctx, h.bus, eventbus.Devices.Lifecycle, eventbus.SourceGateway, eventbus.DeviceLifecycleEvent{
		ConnectionID: dc.id,
		DeviceID:     dc.deviceID,
		State:        state,
		AuthMode:     mode,
		RemoteAddr:   dc.remote,
	}, eventbus.WithCorrelationID(dc.id))
}

// wait blocks until every open connection finished its cleanup or ctx ends.
func (h *DeviceHandler) wait(ctx context.Context) {
	_ = eventbus.WaitForWorkers(ctx, &h.active)
}

func (dc *deviceConn) label() string {
	if dc.deviceID != "" {
		return "device " + dc.deviceID
	}
	return dc.remote
}
