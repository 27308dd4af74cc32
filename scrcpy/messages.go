package scrcpy

// ControlMessageType is the tag byte leading every control message.
type ControlMessageType uint8

// control messages
const (
	TypeInjectKeycode             ControlMessageType = 0
	TypeInjectText                ControlMessageType = 1
	TypeInjectTouchEvent          ControlMessageType = 2
	TypeInjectScrollEvent         ControlMessageType = 3
	TypeBackOrScreenOn            ControlMessageType = 4
	TypeExpandNotificationPanel   ControlMessageType = 5
	TypeCollapseNotificationPanel ControlMessageType = 6
	TypeGetClipboard              ControlMessageType = 7
	TypeSetClipboard              ControlMessageType = 8
	TypeSetScreenPowerMode        ControlMessageType = 9
	TypeRotateDevice              ControlMessageType = 10
)

var controlTypeNames = map[ControlMessageType]string{
	TypeInjectKeycode:             "inject_keycode",
	TypeInjectText:                "inject_text",
	TypeInjectTouchEvent:          "inject_touch_event",
	TypeInjectScrollEvent:         "inject_scroll_event",
	TypeBackOrScreenOn:            "back_or_screen_on",
	TypeExpandNotificationPanel:   "expand_notification_panel",
	TypeCollapseNotificationPanel: "collapse_notification_panel",
	TypeGetClipboard:              "get_clipboard",
	TypeSetClipboard:              "set_clipboard",
	TypeSetScreenPowerMode:        "set_screen_power_mode",
	TypeRotateDevice:              "rotate_device",
}

func (t ControlMessageType) String() string {
	if name, ok := controlTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// DeviceMessageType is the tag byte leading every device message.
type DeviceMessageType uint8

// device messages
const (
	TypeClipboard DeviceMessageType = 0
)

// Sizes on the wire.
const (
	ControlMessageMaxSize = 1 << 12 // 4096
	DeviceMessageMaxSize  = 1 << 12

	InjectTextMaxLength      = 300
	ClipboardTextMaxLength   = ControlMessageMaxSize - 3 // tag + 2-byte length
	DeviceClipboardMaxLength = DeviceMessageMaxSize - 3
)

// KeyAction mirrors android.view.KeyEvent actions.
type KeyAction uint8

const (
	KeyActionDown KeyAction = 0
	KeyActionUp   KeyAction = 1
)

// MotionAction mirrors android.view.MotionEvent actions.
type MotionAction uint8

const (
	MotionActionDown MotionAction = 0
	MotionActionUp   MotionAction = 1
	MotionActionMove MotionAction = 2
)

// android mouse buttons
const (
	ButtonPrimary   uint32 = 1 << 0
	ButtonSecondary uint32 = 1 << 1
	ButtonTertiary  uint32 = 1 << 2
	ButtonBack      uint32 = 1 << 3
	ButtonForward   uint32 = 1 << 4
)

// Android meta state flags.
const (
	MetaShiftOn     uint32 = 0x01
	MetaAltOn       uint32 = 0x02
	MetaShiftLeftOn uint32 = 0x40
	MetaCtrlOn      uint32 = 0x1000
)

// A few Android keycodes used by the HTTP API shortcuts.
const (
	KeycodeHome       uint32 = 3
	KeycodeBack       uint32 = 4
	KeycodeVolumeUp   uint32 = 24
	KeycodeVolumeDown uint32 = 25
	KeycodePower      uint32 = 26
	KeycodeEnter      uint32 = 66
	KeycodeDel        uint32 = 67
	KeycodeMenu       uint32 = 82
	KeycodeAppSwitch  uint32 = 187
)

// Pointer ids reserved by the server.
const (
	PointerIDMouse         uint64 = ^uint64(0)     // -1
	PointerIDVirtualFinger uint64 = ^uint64(0) - 1 // -2
)

// ScreenPowerMode values for SetScreenPowerMode.
type ScreenPowerMode uint8

const (
	ScreenPowerModeOff    ScreenPowerMode = 0
	ScreenPowerModeNormal ScreenPowerMode = 2
)
