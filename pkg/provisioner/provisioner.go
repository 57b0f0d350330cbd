package provisioner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/go-containerregistry/pkg/crane"

	"github.com/cuemby/burrow/pkg/archive"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/paths"
	"github.com/cuemby/burrow/pkg/types"
)

// Provisioner materializes root filesystems from container images.
type Provisioner interface {
	// Recover reconciles provisioned rootfs directories with the known
	// container IDs, destroying leftovers.
	Recover(knownIDs []types.ContainerID) error

	// Provision pulls the image and unpacks it into a rootfs for the
	// container.
	Provision(ctx context.Context, id types.ContainerID, image types.Image) (types.ProvisionInfo, error)

	// Destroy removes the container's rootfs. It returns true when a
	// rootfs existed.
	Destroy(ctx context.Context, id types.ContainerID) (bool, error)
}

// ImageProvisioner provisions Docker images pulled from a registry into
// per-container rootfs directories under the provisioner root:
//
//	<root>/containers/<id>/rootfs
type ImageProvisioner struct {
	root string
}

// NewImageProvisioner returns a registry-backed provisioner rooted at
// root.
func NewImageProvisioner(root string) *ImageProvisioner {
	return &ImageProvisioner{root: root}
}

// RootfsPath returns where the container's rootfs is (or would be)
// materialized.
func (p *ImageProvisioner) RootfsPath(id types.ContainerID) string {
	return filepath.Join(paths.RuntimePath(p.root, id), "rootfs")
}

// Recover destroys provisioned rootfs directories of containers no
// longer known.
func (p *ImageProvisioner) Recover(knownIDs []types.ContainerID) error {
	known := make(map[string]struct{}, len(knownIDs))
	for _, id := range knownIDs {
		known[id.String()] = struct{}{}
	}

	provisioned, err := paths.ContainerIDs(p.root)
	if err != nil {
		return fmt.Errorf("failed to scan provisioner root: %w", err)
	}

	for _, id := range provisioned {
		if _, ok := known[id.String()]; ok {
			continue
		}

		log.WithComponent("provisioner").Info().
			Str("container_id", id.String()).
			Msg("destroying rootfs of unknown container")

		if _, err := p.Destroy(context.Background(), id); err != nil {
			return err
		}
	}
	return nil
}

// Provision pulls the image and unpacks its layers into the
// container's rootfs directory.
func (p *ImageProvisioner) Provision(ctx context.Context, id types.ContainerID, image types.Image) (types.ProvisionInfo, error) {
	switch image.Type {
	case types.ImageTypeDocker:
		return p.provisionDocker(ctx, id, image)
	case types.ImageTypeAppc:
		return types.ProvisionInfo{}, fmt.Errorf("appc images are not supported")
	default:
		return types.ProvisionInfo{}, fmt.Errorf("unknown image type %q", image.Type)
	}
}

func (p *ImageProvisioner) provisionDocker(ctx context.Context, id types.ContainerID, image types.Image) (types.ProvisionInfo, error) {
	if image.Docker == nil || image.Docker.Name == "" {
		return types.ProvisionInfo{}, fmt.Errorf("docker image reference is missing")
	}

	rootfs := p.RootfsPath(id)
	if err := os.MkdirAll(rootfs, 0o755); err != nil {
		return types.ProvisionInfo{}, fmt.Errorf("failed to create rootfs directory: %w", err)
	}

	img, err := crane.Pull(image.Docker.Name, crane.WithContext(ctx))
	if err != nil {
		return types.ProvisionInfo{}, fmt.Errorf("failed to pull image %q: %w", image.Docker.Name, err)
	}

	layers, err := img.Layers()
	if err != nil {
		return types.ProvisionInfo{}, fmt.Errorf("failed to read image layers: %w", err)
	}

	// Union the layers bottom-up by unpacking them in order into the
	// same tree.
	for _, layer := range layers {
		rc, err := layer.Uncompressed()
		if err != nil {
			return types.ProvisionInfo{}, fmt.Errorf("failed to open image layer: %w", err)
		}
		if err := archive.Untar(rc, rootfs); err != nil {
			rc.Close()
			return types.ProvisionInfo{}, fmt.Errorf("failed to unpack image layer: %w", err)
		}
		rc.Close()
	}

	manifest, err := img.Manifest()
	if err != nil {
		return types.ProvisionInfo{}, fmt.Errorf("failed to read image manifest: %w", err)
	}

	digest, err := img.Digest()
	if err != nil {
		return types.ProvisionInfo{}, fmt.Errorf("failed to compute image digest: %w", err)
	}

	layerDigests := make([]string, 0, len(manifest.Layers))
	for _, layer := range manifest.Layers {
		layerDigests = append(layerDigests, layer.Digest.String())
	}

	return types.ProvisionInfo{
		Rootfs: rootfs,
		DockerManifest: &types.DockerManifest{
			SchemaVersion: int(manifest.SchemaVersion),
			MediaType:     string(manifest.MediaType),
			Digest:        digest.String(),
			Layers:        layerDigests,
		},
	}, nil
}

// Destroy removes the container's provisioned directory tree.
func (p *ImageProvisioner) Destroy(ctx context.Context, id types.ContainerID) (bool, error) {
	dir := paths.RuntimePath(p.root, id)

	if _, err := os.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat provisioned directory: %w", err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("failed to remove provisioned directory: %w", err)
	}
	return true, nil
}
