package theme

import (
	"image/color"
	"runtime"

	"gioui.org/unit"
	"gioui.org/widget/material"
)

// Palette defines the application colors.
type Palette struct {
	Background color.NRGBA
	Surface    color.NRGBA
	Panel      color.NRGBA
	Primary    color.NRGBA
	Selection  color.NRGBA
	Text       color.NRGBA
	TextMuted  color.NRGBA
	Border     color.NRGBA
	Success    color.NRGBA
	Error      color.NRGBA
	Warning    color.NRGBA
}

// Config defines the layout metrics.
type Config struct {
	CornerRadius unit.Dp
	Spacing      unit.Dp
	Padding      unit.Dp
	SidebarWidth unit.Dp
	FontTitle    unit.Sp
	FontBody     unit.Sp
	FontCaption  unit.Sp
}

// Theme wraps the material theme with annotd-gui styling.
type Theme struct {
	*material.Theme
	Palette Palette
	Config  Config
}

// NewTheme creates a theme tuned to the current OS.
func NewTheme(mtheme *material.Theme) *Theme {
	t := &Theme{Theme: mtheme}

	switch runtime.GOOS {
	case "windows":
		setupWindowsTheme(t)
	case "darwin":
		setupMacOSTheme(t)
	default:
		setupLinuxTheme(t)
	}

	t.Theme.Palette.Bg = t.Palette.Background
	t.Theme.Palette.Fg = t.Palette.Text
	t.Theme.Palette.ContrastBg = t.Palette.Primary
	t.Theme.Palette.ContrastFg = t.Palette.Text
	return t
}

func setupWindowsTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0x1F, G: 0x1F, B: 0x23, A: 0xFF},
		Surface:    color.NRGBA{R: 0x2A, G: 0x2A, B: 0x30, A: 0xFF},
		Panel:      color.NRGBA{R: 0x33, G: 0x33, B: 0x3A, A: 0xFF},
		Primary:    color.NRGBA{R: 0x4C, G: 0x8E, B: 0xD9, A: 0xFF},
		Selection:  color.NRGBA{R: 0x2E, G: 0x45, B: 0x66, A: 0xFF},
		Text:       color.NRGBA{R: 0xF2, G: 0xF2, B: 0xF2, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x9A, G: 0x9A, B: 0xA3, A: 0xFF},
		Border:     color.NRGBA{R: 0x3F, G: 0x3F, B: 0x46, A: 0xFF},
		Success:    color.NRGBA{R: 0x5F, G: 0xB8, B: 0x6A, A: 0xFF},
		Error:      color.NRGBA{R: 0xE0, G: 0x55, B: 0x4E, A: 0xFF},
		Warning:    color.NRGBA{R: 0xE8, G: 0xB3, B: 0x43, A: 0xFF},
	}
	t.Config = Config{
		CornerRadius: unit.Dp(4),
		Spacing:      unit.Dp(8),
		Padding:      unit.Dp(16),
		SidebarWidth: unit.Dp(280),
		FontTitle:    unit.Sp(20),
		FontBody:     unit.Sp(14),
		FontCaption:  unit.Sp(12),
	}
}

func setupMacOSTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0x1D, G: 0x1D, B: 0x1F, A: 0xFF},
		Surface:    color.NRGBA{R: 0x28, G: 0x28, B: 0x2A, A: 0xFF},
		Panel:      color.NRGBA{R: 0x32, G: 0x32, B: 0x34, A: 0xFF},
		Primary:    color.NRGBA{R: 0x0A, G: 0x84, B: 0xFF, A: 0xFF},
		Selection:  color.NRGBA{R: 0x1F, G: 0x3A, B: 0x5F, A: 0xFF},
		Text:       color.NRGBA{R: 0xF5, G: 0xF5, B: 0xF7, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x8E, G: 0x8E, B: 0x93, A: 0xFF},
		Border:     color.NRGBA{R: 0x3A, G: 0x3A, B: 0x3C, A: 0xFF},
		Success:    color.NRGBA{R: 0x30, G: 0xD1, B: 0x58, A: 0xFF},
		Error:      color.NRGBA{R: 0xFF, G: 0x45, B: 0x3A, A: 0xFF},
		Warning:    color.NRGBA{R: 0xFF, G: 0x9F, B: 0x0A, A: 0xFF},
	}
	t.Config = Config{
		CornerRadius: unit.Dp(8),
		Spacing:      unit.Dp(10),
		Padding:      unit.Dp(18),
		SidebarWidth: unit.Dp(300),
		FontTitle:    unit.Sp(21),
		FontBody:     unit.Sp(13),
		FontCaption:  unit.Sp(11),
	}
}

func setupLinuxTheme(t *Theme) {
	t.Palette = Palette{
		Background: color.NRGBA{R: 0x24, G: 0x24, B: 0x28, A: 0xFF},
		Surface:    color.NRGBA{R: 0x2E, G: 0x2E, B: 0x33, A: 0xFF},
		Panel:      color.NRGBA{R: 0x38, G: 0x38, B: 0x3E, A: 0xFF},
		Primary:    color.NRGBA{R: 0x6C, G: 0x9E, B: 0xF8, A: 0xFF},
		Selection:  color.NRGBA{R: 0x33, G: 0x4A, B: 0x6E, A: 0xFF},
		Text:       color.NRGBA{R: 0xEE, G: 0xEE, B: 0xEE, A: 0xFF},
		TextMuted:  color.NRGBA{R: 0x9E, G: 0x9E, B: 0xA6, A: 0xFF},
		Border:     color.NRGBA{R: 0x45, G: 0x45, B: 0x4C, A: 0xFF},
		Success:    color.NRGBA{R: 0x62, G: 0xC0, B: 0x73, A: 0xFF},
		Error:      color.NRGBA{R: 0xE5, G: 0x60, B: 0x5A, A: 0xFF},
		Warning:    color.NRGBA{R: 0xE6, G: 0xB4, B: 0x55, A: 0xFF},
	}
	t.Config = Config{
		CornerRadius: unit.Dp(6),
		Spacing:      unit.Dp(8),
		Padding:      unit.Dp(16),
		SidebarWidth: unit.Dp(280),
		FontTitle:    unit.Sp(20),
		FontBody:     unit.Sp(14),
		FontCaption:  unit.Sp(12),
	}
}
