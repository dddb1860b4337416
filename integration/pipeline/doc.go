// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: MIT

// Package pipeline assembles the composition services into one unit with a
// per-frame driver.
//
// The compositor packages are deliberately independent: the pool knows
// nothing about caching and the cache nothing about plane slots. pipeline
// is the glue a window system uses when it does not need custom wiring:
//
//	pl := pipeline.New(pipeline.Config{})
//	defer pl.Close()
//	pl.Display(0, compositor.DisplayCaps{Slots: 2, Width: 1920, Height: 1080,
//	    Format: alloc.FormatXRGB8888})
//
//	outs, err := pl.Frame(frame)
//
// Frame binds or refreshes every declared display, acquires and composes,
// and falls back to the client target wherever device composition cannot
// serve, so a well formed frame always scans out.
//
// # Mapping policy
//
// Frame applies one fixed policy: the top layer rides a dedicated slot when
// the display has a second slot, and everything below shares one full
// screen composition. Callers needing another policy drive plane records
// directly and reach the shared services through the accessors.
//
// # Thread safety
//
// One goroutine at a time may call Frame, mirroring the single frame
// thread the services expect. Declare displays before the frame loop
// starts and Close after it stops.
package pipeline
