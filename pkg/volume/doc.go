// Package volume resolves the per-language auxiliary volumes a kernel
// container mounts alongside its workdir bind (for example, a shared
// read-only samples directory for TensorFlow images). The table is
// static; Resolver filters it down to whatever the container engine
// currently reports as existing, skipping and logging the rest.
package volume
