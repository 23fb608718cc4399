package ui

import (
	"fmt"
	"image"
	"path/filepath"

	"gioui.org/io/key"
	"gioui.org/layout"
	"gioui.org/op"
	"gioui.org/op/clip"
	"gioui.org/op/paint"
	"gioui.org/unit"
	"gioui.org/widget"
	"gioui.org/widget/material"

	"annotd/internal/ipc"
	"annotd/pkg/annotation"
)

type (
	C = layout.Context
	D = layout.Dimensions
)

// Layout renders one frame.
func (a *App) Layout(gtx C) D {
	a.handleKeys(gtx)
	a.handleClicks(gtx)

	paint.Fill(gtx.Ops, a.th.Palette.Background)

	return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
		layout.Flexed(1, func(gtx C) D {
			return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
				layout.Rigid(func(gtx C) D {
					w := gtx.Dp(a.th.Config.SidebarWidth)
					gtx.Constraints.Min.X = w
					gtx.Constraints.Max.X = w
					return a.layoutSidebar(gtx)
				}),
				layout.Rigid(a.verticalDivider),
				layout.Flexed(1, a.layoutEditor),
			)
		}),
		layout.Rigid(a.layoutStatusBar),
	)
}

func (a *App) handleKeys(gtx C) {
	for {
		ev, ok := gtx.Event(key.Filter{Name: key.NameEscape})
		if !ok {
			break
		}
		if ke, ok := ev.(key.Event); ok && ke.State == key.Press {
			a.CancelSelection()
		}
	}
}

func (a *App) handleClicks(gtx C) {
	if a.refreshBtn.Clicked(gtx) {
		a.Refresh()
	}
	if a.saveBtn.Clicked(gtx) {
		a.saveSelection()
	}
	if a.cancelBtn.Clicked(gtx) {
		a.CancelSelection()
	}
	if a.deleteBtn.Clicked(gtx) {
		a.deleteSelection()
	}

	a.mu.Lock()
	sources := a.sources
	annos := a.annotations
	view := a.viewSource
	a.mu.Unlock()

	for i := range a.sourceBtns {
		if i < len(sources) && a.sourceBtns[i].Clicked(gtx) {
			a.loadAnnotations(sources[i].Path)
		}
	}
	for i := range a.annoBtns {
		if i < len(annos) && a.annoBtns[i].Clicked(gtx) {
			a.openAnnotation(view, annos[i].ID)
		}
	}
}

func (a *App) verticalDivider(gtx C) D {
	size := image.Pt(gtx.Dp(1), gtx.Constraints.Max.Y)
	paint.FillShape(gtx.Ops, a.th.Palette.Border, clip.Rect{Max: size}.Op())
	return D{Size: size}
}

func ensureClickables(btns []widget.Clickable, n int) []widget.Clickable {
	if len(btns) < n {
		btns = append(btns, make([]widget.Clickable, n-len(btns))...)
	}
	return btns
}

// fillBehind records w, then paints color under it at the recorded
// size.
func (a *App) fillBehind(gtx C, bg func(size image.Point), w layout.Widget) D {
	macro := op.Record(gtx.Ops)
	dims := w(gtx)
	call := macro.Stop()
	bg(dims.Size)
	call.Add(gtx.Ops)
	return dims
}

func (a *App) layoutSidebar(gtx C) D {
	a.mu.Lock()
	sources := a.sources
	annos := a.annotations
	view := a.viewSource
	selID := ""
	if a.selection != nil {
		selID = a.selection.ID
	}
	a.mu.Unlock()

	a.sourceBtns = ensureClickables(a.sourceBtns, len(sources))
	a.annoBtns = ensureClickables(a.annoBtns, len(annos))

	return layout.UniformInset(a.th.Config.Padding).Layout(gtx, func(gtx C) D {
		return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
			layout.Rigid(func(gtx C) D {
				title := material.H6(a.th.Theme, "ANNOTD")
				title.Color = a.th.Palette.Primary
				title.TextSize = a.th.Config.FontTitle
				return title.Layout(gtx)
			}),
			layout.Rigid(layout.Spacer{Height: a.th.Config.Spacing}.Layout),
			layout.Rigid(func(gtx C) D {
				return material.Button(a.th.Theme, &a.refreshBtn, "Refresh").Layout(gtx)
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
			layout.Rigid(a.caption("IMAGES")),
			layout.Rigid(func(gtx C) D {
				gtx.Constraints.Max.Y = gtx.Dp(190)
				return material.List(a.th.Theme, &a.sourceList).Layout(gtx, len(sources), func(gtx C, i int) D {
					return a.sourceRow(gtx, &a.sourceBtns[i], sources[i], sources[i].Path == view)
				})
			}),
			layout.Rigid(layout.Spacer{Height: unit.Dp(16)}.Layout),
			layout.Rigid(a.caption("ANNOTATIONS")),
			layout.Flexed(1, func(gtx C) D {
				return material.List(a.th.Theme, &a.annoList).Layout(gtx, len(annos), func(gtx C, i int) D {
					return a.annotationRow(gtx, &a.annoBtns[i], annos[i], annos[i].ID == selID)
				})
			}),
		)
	})
}

func (a *App) caption(text string) layout.Widget {
	return func(gtx C) D {
		l := material.Caption(a.th.Theme, text)
		l.Color = a.th.Palette.TextMuted
		l.TextSize = a.th.Config.FontCaption
		return l.Layout(gtx)
	}
}

func (a *App) highlightRow(gtx C, highlight bool, w layout.Widget) D {
	return a.fillBehind(gtx, func(size image.Point) {
		if !highlight {
			return
		}
		r := gtx.Dp(a.th.Config.CornerRadius)
		rect := clip.UniformRRect(image.Rect(0, 0, size.X, size.Y), r).Op(gtx.Ops)
		paint.FillShape(gtx.Ops, a.th.Palette.Selection, rect)
	}, w)
}

var rowInset = layout.Inset{Top: unit.Dp(6), Bottom: unit.Dp(6), Left: unit.Dp(8), Right: unit.Dp(8)}

func (a *App) sourceRow(gtx C, btn *widget.Clickable, src ipc.SourceInfo, active bool) D {
	return material.Clickable(gtx, btn, func(gtx C) D {
		gtx.Constraints.Min.X = gtx.Constraints.Max.X
		return a.highlightRow(gtx, active, func(gtx C) D {
			return rowInset.Layout(gtx, func(gtx C) D {
				return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
					layout.Rigid(func(gtx C) D {
						l := material.Body2(a.th.Theme, filepath.Base(src.Path))
						l.Color = a.th.Palette.Text
						if active {
							l.Color = a.th.Palette.Primary
						}
						return l.Layout(gtx)
					}),
					layout.Rigid(func(gtx C) D {
						text := "no annotations"
						if src.Annotations == 1 {
							text = "1 annotation"
						} else if src.Annotations > 1 {
							text = fmt.Sprintf("%d annotations", src.Annotations)
						}
						l := material.Caption(a.th.Theme, text)
						l.Color = a.th.Palette.TextMuted
						return l.Layout(gtx)
					}),
				)
			})
		})
	})
}

func (a *App) annotationRow(gtx C, btn *widget.Clickable, ann annotation.Annotation, selected bool) D {
	return material.Clickable(gtx, btn, func(gtx C) D {
		gtx.Constraints.Min.X = gtx.Constraints.Max.X
		return a.highlightRow(gtx, selected, func(gtx C) D {
			return rowInset.Layout(gtx, func(gtx C) D {
				return layout.Flex{Axis: layout.Vertical}.Layout(gtx,
					layout.Rigid(func(gtx C) D {
						label := bodyText(ann)
						if label == "" {
							label = "(no comment)"
						}
						l := material.Body2(a.th.Theme, truncate(label, 42))
						l.Color = a.th.Palette.Text
						return l.Layout(gtx)
					}),
					layout.Rigid(func(gtx C) D {
						b := ann.Target.Bounds()
						l := material.Caption(a.th.Theme, fmt.Sprintf("%s  %.0fx%.0f", truncate(ann.ID, 24), b.W, b.H))
						l.Color = a.th.Palette.TextMuted
						return l.Layout(gtx)
					}),
				)
			})
		})
	})
}

func (a *App) layoutEditor(gtx C) D {
	a.mu.Lock()
	sel := a.selection
	snippet := a.snippet
	readOnly := a.readOnly
	a.mu.Unlock()

	return layout.UniformInset(a.th.Config.Padding).Layout(gtx, func(gtx C) D {
		if sel == nil {
			return layout.Center.Layout(gtx, func(gtx C) D {
				l := material.Body1(a.th.Theme, "Select an annotation to edit")
				l.Color = a.th.Palette.TextMuted
				return l.Layout(gtx)
			})
		}

		children := []layout.FlexChild{
			layout.Rigid(func(gtx C) D {
				return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
					layout.Flexed(1, func(gtx C) D {
						h := material.H5(a.th.Theme, "Annotation")
						h.Color = a.th.Palette.Text
						return h.Layout(gtx)
					}),
					layout.Rigid(func(gtx C) D {
						if !readOnly {
							return D{}
						}
						badge := material.Caption(a.th.Theme, "READ ONLY")
						badge.Color = a.th.Palette.Warning
						return badge.Layout(gtx)
					}),
				)
			}),
			layout.Rigid(func(gtx C) D {
				b := sel.Target.Bounds()
				detail := fmt.Sprintf("%s  |  (%.0f, %.0f) %.0fx%.0f  |  %s",
					sel.ID, b.X, b.Y, b.W, b.H, filepath.Base(sel.Target.Source))
				l := material.Caption(a.th.Theme, detail)
				l.Color = a.th.Palette.TextMuted
				return l.Layout(gtx)
			}),
			layout.Rigid(layout.Spacer{Height: a.th.Config.Spacing}.Layout),
		}

		if snippet != nil {
			imgOp := paint.NewImageOp(snippet)
			children = append(children,
				layout.Rigid(func(gtx C) D {
					gtx.Constraints.Max.Y = gtx.Dp(220)
					return a.fillBehind(gtx, func(size image.Point) {
						rect := clip.UniformRRect(image.Rect(0, 0, size.X, size.Y), gtx.Dp(a.th.Config.CornerRadius)).Op(gtx.Ops)
						paint.FillShape(gtx.Ops, a.th.Palette.Surface, rect)
					}, func(gtx C) D {
						return layout.UniformInset(unit.Dp(8)).Layout(gtx, func(gtx C) D {
							return widget.Image{Src: imgOp, Fit: widget.Contain, Position: layout.Center}.Layout(gtx)
						})
					})
				}),
				layout.Rigid(layout.Spacer{Height: a.th.Config.Spacing}.Layout),
			)
		}

		children = append(children,
			layout.Rigid(a.caption("COMMENT")),
			layout.Flexed(1, func(gtx C) D {
				border := widget.Border{
					Color:        a.th.Palette.Border,
					CornerRadius: a.th.Config.CornerRadius,
					Width:        unit.Dp(1),
				}
				return border.Layout(gtx, func(gtx C) D {
					return layout.UniformInset(unit.Dp(10)).Layout(gtx, func(gtx C) D {
						gtx.Constraints.Min.X = gtx.Constraints.Max.X
						ed := material.Editor(a.th.Theme, &a.bodyEditor, "Add a comment")
						ed.Color = a.th.Palette.Text
						ed.HintColor = a.th.Palette.TextMuted
						return ed.Layout(gtx)
					})
				})
			}),
			layout.Rigid(layout.Spacer{Height: a.th.Config.Spacing}.Layout),
			layout.Rigid(func(gtx C) D {
				if readOnly {
					return D{}
				}
				return layout.Flex{Axis: layout.Horizontal}.Layout(gtx,
					layout.Rigid(func(gtx C) D {
						btn := material.Button(a.th.Theme, &a.saveBtn, "Save")
						btn.Background = a.th.Palette.Primary
						return btn.Layout(gtx)
					}),
					layout.Rigid(layout.Spacer{Width: a.th.Config.Spacing}.Layout),
					layout.Rigid(func(gtx C) D {
						btn := material.Button(a.th.Theme, &a.cancelBtn, "Cancel")
						btn.Background = a.th.Palette.Panel
						return btn.Layout(gtx)
					}),
					layout.Flexed(1, func(gtx C) D { return D{Size: image.Pt(gtx.Constraints.Max.X, 0)} }),
					layout.Rigid(func(gtx C) D {
						btn := material.Button(a.th.Theme, &a.deleteBtn, "Delete")
						btn.Background = a.th.Palette.Error
						return btn.Layout(gtx)
					}),
				)
			}),
		)

		return layout.Flex{Axis: layout.Vertical}.Layout(gtx, children...)
	})
}

func (a *App) layoutStatusBar(gtx C) D {
	a.mu.Lock()
	line := a.statusLine
	isErr := a.statusErr
	version := a.version
	count := len(a.annotations)
	a.mu.Unlock()

	gtx.Constraints.Min.X = gtx.Constraints.Max.X
	return a.fillBehind(gtx, func(size image.Point) {
		paint.FillShape(gtx.Ops, a.th.Palette.Surface, clip.Rect{Max: image.Pt(gtx.Constraints.Max.X, size.Y)}.Op())
	}, func(gtx C) D {
		inset := layout.Inset{Top: unit.Dp(6), Bottom: unit.Dp(6), Left: a.th.Config.Padding, Right: a.th.Config.Padding}
		return inset.Layout(gtx, func(gtx C) D {
			return layout.Flex{Axis: layout.Horizontal, Alignment: layout.Middle}.Layout(gtx,
				layout.Flexed(1, func(gtx C) D {
					l := material.Caption(a.th.Theme, line)
					l.Color = a.th.Palette.TextMuted
					if isErr {
						l.Color = a.th.Palette.Error
					}
					return l.Layout(gtx)
				}),
				layout.Rigid(func(gtx C) D {
					l := material.Caption(a.th.Theme, fmt.Sprintf("%d annotations  |  annotd %s", count, version))
					l.Color = a.th.Palette.TextMuted
					return l.Layout(gtx)
				}),
			)
		})
	})
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
