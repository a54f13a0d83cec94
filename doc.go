// Package kmsvideo presents decoded video frames on a Linux display
// through the kernel DRM/KMS plane interface, without a compositor.
// Buffers are shared zero-copy as DMA-BUF file descriptors, submitted
// to hardware planes with atomic commits and recycled back to the
// producer once the hardware has moved past them.
//
// This root package covers the DRM character device itself: opening a
// card, querying the driver version and capabilities, and enabling the
// client capabilities (universal planes, atomic modesetting) that the
// presentation layer in package flip depends on.
package kmsvideo
