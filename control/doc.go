// Package control
// Author: momentics <momentics@gmail.com>
//
// Ambient plumbing for the postoffice binaries: viper-backed client
// configuration, Prometheus collectors for session lifecycle and transfer
// volume, and named state probes for diagnostics dumps.
package control
