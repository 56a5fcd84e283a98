// Package log is the small logging layer shared by every shopsync component.
//
// Each component asks for a named logger once and keeps it:
//
//	l := log.ForService("realtime")
//	l.Infof("connected to %s", url)
//	l.Debugf("frame %s", raw) // only when debug is on for "realtime"
//
// Child loggers inherit the parent's debug switch:
//
//	conn := l.Named("conn") // "realtime:conn"
//	log.EnableDebugFor("realtime")
//	conn.Debugf("visible")
//
// Every line carries the level and the logger name in brackets:
//
//	2026/01/02 15:04:05.000000 WARN [notify] persist notif_1_ab12: database is locked
//
// Tests redirect output with SetOutput(&bytes.Buffer{}) and assert on the text.
package log
