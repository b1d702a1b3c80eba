package hal

import (
	"github.com/talus-os/talus/kernel/boot"
	"github.com/talus-os/talus/kernel/driver/tty"
	"github.com/talus-os/talus/kernel/driver/video/console"
)

var (
	egaConsole = &console.Ega{}

	// ActiveTerminal points to the currently active terminal.
	ActiveTerminal = &tty.Vt{}
)

// InitTerminal provides a basic terminal to allow the kernel to emit some output
// till everything is properly setup
func InitTerminal() {
	fbInfo, ok := boot.Framebuffer()
	if !ok {
		return
	}

	egaConsole.Init(uint16(fbInfo.Width), uint16(fbInfo.Height), uintptr(fbInfo.PhysAddr))
	ActiveTerminal.AttachTo(egaConsole)
}
