/*
Package provisioner materializes container root filesystems from
images.

ImageProvisioner pulls Docker images straight from a registry and
unions their layers into a per-container rootfs directory under the
provisioner root. The resulting manifest travels with the provision
result so the containerizer can checkpoint it into the container
config. Destroy removes the rootfs tree; Recover sweeps rootfs
directories whose containers are no longer known.
*/
package provisioner
