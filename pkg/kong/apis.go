package kong

import (
	"context"
	"net/url"
)

// a single page for everything; the legacy admin API allows huge page sizes
const allItems = "size=1000000"

func (k *KongClient) GetApis(ctx context.Context) ([]Api, error) {
	var apis ApiCollection
	if err := k.get(ctx, "apis?"+allItems, &apis); err != nil {
		return nil, err
	}
	return apis.Data, nil
}

func (k *KongClient) CreateApi(ctx context.Context, api Api) (*Api, error) {
	created := &Api{}
	if err := k.post(ctx, "apis", api, created); err != nil {
		k.logger.WithError(err).WithField("apiName", api.Name).Error("creating api")
		return nil, err
	}
	return created, nil
}

func (k *KongClient) PatchApi(ctx context.Context, apiID string, api Api) (*Api, error) {
	patched := &Api{}
	if err := k.patch(ctx, "apis/"+url.PathEscape(apiID), api, patched); err != nil {
		k.logger.WithError(err).WithField("apiID", apiID).Error("patching api")
		return nil, err
	}
	return patched, nil
}

func (k *KongClient) DeleteApi(ctx context.Context, apiID string) error {
	return k.delete(ctx, "apis/"+url.PathEscape(apiID))
}
