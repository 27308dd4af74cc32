package tunnel

import "context"

// Bridge is the device bridge CLI as the server manager sees it. Socket
// arguments use adb's notation ("tcp:27183", "localabstract:scrcpy").
type Bridge interface {
	// Push copies a local file to the device.
	Push(ctx context.Context, local, remote string) error
	// Reverse makes connections to deviceSocket on the device arrive at
	// hostSocket on this machine.
	Reverse(ctx context.Context, deviceSocket, hostSocket string) error
	RemoveReverse(ctx context.Context, deviceSocket string) error
	// Forward makes connections to hostSocket arrive at deviceSocket.
	Forward(ctx context.Context, hostSocket, deviceSocket string) error
	RemoveForward(ctx context.Context, hostSocket string) error
	// Execute starts a long-running bridge command such as "shell ...".
	// The process lives until Terminate or until ctx is cancelled.
	Execute(ctx context.Context, args ...string) (Process, error)
}

// Process is a running bridge command.
type Process interface {
	// Terminate asks the process to exit (SIGTERM).
	Terminate() error
	// Wait blocks until the process has exited.
	Wait() error
}
