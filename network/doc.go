// Package network pauses and resumes transfers as connectivity changes.
//
// A Monitor polls the host's interfaces through gopsutil and classifies the
// best usable one as ethernet, WiFi, cellular or other. Cellular interfaces,
// and any listed in MonitorOptions.MeteredInterfaces, are metered.
//
// The Controller turns those events into pause and resume calls:
//
//	ctrl := network.NewController(manager, network.DefaultSettings(), log)
//	manager.Subscribe(ctrl.HandleResult)
//	go monitor.Run(ctx, func(ev network.Event) { ctrl.HandleEvent(ctx, ev) })
//
// It remembers which transfers it paused. Transfers paused by the user are
// never resumed by the controller.
//
// # Policies
//
//	ALLOW_ALL        any available connection
//	WIFI_ONLY        unmetered WiFi or ethernet
//	PAUSE_ALL        nothing runs
//	USER_PREFERENCE  any connection, except metered ones when PauseOnMetered is set
//
// Transfers paused for a metered connection resume on their own only when
// AutoResumeUnmetered is set and an unmetered connection appears. Switching
// to ALLOW_ALL resumes them all.
package network
