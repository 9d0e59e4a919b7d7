/*
Package tui implements the live terminal dashboard shown while a load test runs.

# Architecture

The dashboard follows the Bubble Tea Model-Update-View pattern:
  - Model: last polled snapshot and ramp progress, terminal size, stop state
  - Update: handles ticks, key presses and the run-finished message
  - View: renders ramp progress, counters, percentiles and the latency histogram

The model never touches the aggregator directly. Every tick it asks its Source
for a fresh snapshot, so rendering can never block recording.

# Keys

  - q / esc / ctrl+c: stop the run (ramps to zero, then waits for in-flight requests);
    pressing again leaves the dashboard while the run drains
  - c: copy a text summary of the current snapshot to the clipboard
  - up / down: scroll the backend list
*/
package tui
