package services

import "streamcast/internal/core/domain"

type nopMetrics struct{}

func (nopMetrics) ConnectionOpened() {}
func (nopMetrics) ConnectionClosed(string) {}
func (nopMetrics) FrameBroadcast(int, int) {}
func (nopMetrics) TickSkipped(string) {}
func (nopMetrics) EncodeFailed() {}
func (nopMetrics) QoSUpdated(domain.QoSSnapshot) {}
func (nopMetrics) PlaybackChanged(domain.PlaybackState) {}
func (nopMetrics) ControlReceived(string) {}
func (nopMetrics) DecodeFailed(string) {}
func (nopMetrics) FrameDiscarded(string) {}

type nopNotifier struct{}

func (nopNotifier) Notify(domain.StatusEvent) {}
