// Package rpcif defines the service's wire contract: the RPC surface the
// dispatcher implements and the structures that cross it. The transport
// itself (Thrift, gRPC, JSON-RPC) stays outside this module; rpcif is only
// the Go shape that transport would bind to.
package rpcif

import (
	"context"
	"fmt"

	"github.com/gridrunner/cmdrunner/pkg/cmderrors"
)

// Device is the request input identifying a command target.
type Device struct {
	Hostname            string            `json:"hostname"`
	Console             string            `json:"console,omitempty"` // "server:port"
	Username            string            `json:"username,omitempty"`
	Password            string            `json:"password,omitempty"`
	ExplicitIP          string            `json:"explicit_ip,omitempty"`
	MgmtIP              bool              `json:"mgmt_ip,omitempty"`
	PromptOverrides     map[string]string `json:"prompt_overrides,omitempty"`
	SessionType         string            `json:"session_type,omitempty"`
	ExtraOptions        map[string]string `json:"extra_options,omitempty"`
	PreSetupCommands    []string          `json:"pre_setup_commands,omitempty"`
	ClearCommandOverride *string          `json:"clear_command_override,omitempty"`
	Subsystem           string            `json:"subsystem,omitempty"`
	ExecCommand         string            `json:"exec_command,omitempty"`
	FailoverToBackupIPs bool              `json:"failover_to_backup_ips,omitempty"`
	Raw                 bool              `json:"raw,omitempty"`
}

// SessionHandle identifies a persistent session across open/run/close
// calls; the triple is assigned at open time and never changes.
type SessionHandle struct {
	ID         string `json:"id"`
	ClientIP   string `json:"client_ip"`
	ClientPort int32  `json:"client_port"`
}

func (h SessionHandle) String() string {
	return fmt.Sprintf("%s@%s:%d", h.ID, h.ClientIP, h.ClientPort)
}

// SessionData carries the extra per-session fields accepted alongside the
// Device on open_session/open_raw_session.
type SessionData struct {
	ExtraOptions map[string]string `json:"extra_options,omitempty"`
	Subsystem    string            `json:"subsystem,omitempty"`
	ExecCommand  string            `json:"exec_command,omitempty"`
}

// CommandResult is one command's outcome.
type CommandResult struct {
	Output       string `json:"output"`
	Status       string `json:"status"` // "success" or an error message
	Command      string `json:"command"`
	UUID         string `json:"uuid,omitempty"`
	Capabilities []byte `json:"capabilities,omitempty"`
}

// SessionException is the Thrift-compatible error every public operation
// converts a failure into at the RPC boundary.
type SessionException struct {
	Message string        `json:"message"`
	Code    cmderrors.Code `json:"code"`
}

func (e *SessionException) Error() string {
	return e.Message
}

// InstanceOverloaded signals a bulk-local admission-control rejection. It
// passes through the RPC boundary unconverted so a remote caller can
// retry, unlike every other error which becomes a SessionException.
type InstanceOverloaded struct {
	Message string `json:"message"`
}

func (e *InstanceOverloaded) Error() string {
	return e.Message
}

// ToSessionException converts err into the RPC-boundary error shape: an
// *InstanceOverloaded passes through unchanged, everything else becomes a
// *SessionException carrying its cmderrors.Code (Unknown if untyped).
func ToSessionException(err error) error {
	if err == nil {
		return nil
	}
	var overloaded *InstanceOverloaded
	if ok := asInstanceOverloaded(err, &overloaded); ok {
		return overloaded
	}
	return &SessionException{Message: err.Error(), Code: cmderrors.CodeOf(err)}
}

func asInstanceOverloaded(err error, target **InstanceOverloaded) bool {
	if io, ok := err.(*InstanceOverloaded); ok {
		*target = io
		return true
	}
	return false
}

// BulkRequest is one device's commands within a bulk_run/bulk_run_local call.
type BulkRequest struct {
	Device   Device   `json:"device"`
	Commands []string `json:"commands"`
}

// Dispatcher is the public RPC surface, implemented by
// pkg/dispatcher.Dispatcher.
type Dispatcher interface {
	Run(ctx context.Context, command string, device Device, timeout, openTimeout int, clientIP string, clientPort int32, uuid string) (*CommandResult, error)
	BulkRun(ctx context.Context, devices []BulkRequest, timeout, openTimeout int, clientIP string, clientPort int32, uuid string) (map[string][]*CommandResult, error)
	BulkRunLocal(ctx context.Context, devices []BulkRequest, timeout, openTimeout int, clientIP string, clientPort int32, uuid string) (map[string][]*CommandResult, error)

	OpenSession(ctx context.Context, device Device, data SessionData, clientIP string, clientPort int32) (*SessionHandle, error)
	RunSession(ctx context.Context, handle SessionHandle, command string, timeout int, promptOverride string) (*CommandResult, error)
	CloseSession(ctx context.Context, handle SessionHandle) error

	OpenRawSession(ctx context.Context, device Device, data SessionData, clientIP string, clientPort int32) (*SessionHandle, error)
	RunRawSession(ctx context.Context, handle SessionHandle, command string, timeout int, promptRegex string) (*CommandResult, error)
	CloseRawSession(ctx context.Context, handle SessionHandle) error

	GetCounters(ctx context.Context) map[string]int64
	GetRegexCounter(ctx context.Context, pattern string) (map[string]int64, error)
}
