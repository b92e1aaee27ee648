package compass

// Logging convention in the `compass` package:
// Warning:
//     recoverable inconsistencies that drop a single notification.
//     this includes:
//     - endpoint or queue member referencing an unknown user/queue
//     - create for an id that already exists, update/destroy for an unknown id
//     - notification types and endpoint kinds the client does not recognize
// Info:
//     one time (infrequent) lifecycle data that is useful for monitoring
//     this includes:
//     - connect phases, company discovery, snapshot sizes
//     - heartbeat timeouts and reconnects
// V(1):
//     per-notification dispatch traces
// V(2):
//     per-stanza traffic, ping send/receive
//
// all logging goes through glog. Per-notification errors never escape to the
// caller; only connect-level failures do (see Connection.Connect).
